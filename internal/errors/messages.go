package errors

import "errors"

// User-facing copy. Short, plain, and never blames the user.
const (
	MessageDeclined       = "The payment didn't go through. You haven't been charged."
	MessageUnavailable    = "This plan isn't available right now. Please try again later."
	MessageRegion         = "This plan isn't available in your region."
	MessageNotAllowed     = "Purchases are turned off on this device."
	MessageNetwork        = "We couldn't reach the store. Check your connection and try again."
	MessageUnverified     = "We couldn't confirm this purchase. Please try again later."
	MessageRestoreFailed  = "We couldn't restore your purchases. Please try again later."
	MessageGenericFailure = "Something went wrong with the purchase. Please try again later."
)

// UserMessage maps err to a short plain-language string for display. It returns
// "" for nil and for user-initiated cancellation, which shows no message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPurchaseCancelled):
		return ""
	case errors.Is(err, ErrPaymentDeclined):
		return MessageDeclined
	case errors.Is(err, ErrRegionRestricted):
		return MessageRegion
	case errors.Is(err, ErrProductUnavailable):
		return MessageUnavailable
	case errors.Is(err, ErrNotAllowed):
		return MessageNotAllowed
	case errors.Is(err, ErrNetwork):
		return MessageNetwork
	case errors.Is(err, ErrVerification), errors.Is(err, ErrVerificationFailure):
		return MessageUnverified
	case errors.Is(err, ErrRestoreFailed):
		return MessageRestoreFailed
	default:
		return MessageGenericFailure
	}
}
