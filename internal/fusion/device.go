package fusion

import (
	"regexp"
	"strings"
)

type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceDesktop DeviceClass = "desktop"
)

var mobileUA = regexp.MustCompile(`(?i)android|webos|iphone|ipad|ipod|blackberry|iemobile|opera mini`)

// Classify guesses the device class from a user agent string.
//
// An empty user agent (non-browser host) is treated as mobile so that a real
// sensor source is always attempted.
func Classify(userAgent string) DeviceClass {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return DeviceMobile
	}
	if isTablet(ua) {
		return DeviceTablet
	}
	if mobileUA.MatchString(ua) {
		return DeviceMobile
	}
	return DeviceDesktop
}

// ipad, or android not followed by "mobile".
func isTablet(ua string) bool {
	if strings.Contains(ua, "ipad") {
		return true
	}
	i := strings.LastIndex(ua, "android")
	return i >= 0 && !strings.Contains(ua[i:], "mobile")
}

// HasCompass reports whether compass sensors are expected on the class.
func (c DeviceClass) HasCompass() bool {
	return c == DeviceMobile || c == DeviceTablet
}
