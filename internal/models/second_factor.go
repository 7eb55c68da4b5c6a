package models

// Second-factor methods. TOTP verifies locally against the enrolled secret;
// the channel methods deliver a short-lived numeric code out of band.
const (
	SecondFactorTOTP      = "totp"
	SecondFactorEmail     = "email"
	SecondFactorMessenger = "messenger"
)

// IsChannelMethod reports whether the method delivers codes through an
// external channel (and therefore uses the cache-resident challenge state).
func IsChannelMethod(method string) bool {
	return method == SecondFactorEmail || method == SecondFactorMessenger
}
