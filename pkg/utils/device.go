package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeviceInfo is the human-readable label shown in the trusted-devices list.
type DeviceInfo struct {
	DeviceName string `json:"deviceName"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"deviceType"`
}

// DeviceFingerprint derives a stable identifier for a device/browser combination.
// The client IP is deliberately excluded: it changes across networks for the
// same physical device.
func DeviceFingerprint(userAgent, acceptLanguage, acceptEncoding string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + acceptLanguage + "|" + acceptEncoding))
	return hex.EncodeToString(sum[:])
}

// DescribeUserAgent is a best-effort parse of the User-Agent header. It never
// fails; unrecognized agents get "Unknown" labels.
func DescribeUserAgent(userAgent string) DeviceInfo {
	info := DeviceInfo{
		DeviceName: "Unknown Device",
		Browser:    "Unknown",
		OS:         "Unknown",
		DeviceType: "desktop",
	}

	ua := strings.ToLower(userAgent)
	if ua == "" {
		return info
	}

	switch {
	case strings.Contains(ua, "iphone"):
		info.OS = "iOS"
		info.DeviceType = "mobile"
	case strings.Contains(ua, "ipad"):
		info.OS = "iOS"
		info.DeviceType = "tablet"
	case strings.Contains(ua, "android"):
		info.OS = "Android"
		if strings.Contains(ua, "mobile") {
			info.DeviceType = "mobile"
		} else {
			info.DeviceType = "tablet"
		}
	case strings.Contains(ua, "windows"):
		info.OS = "Windows"
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		info.OS = "macOS"
	case strings.Contains(ua, "linux"):
		info.OS = "Linux"
	}

	switch {
	case strings.Contains(ua, "edg/"):
		info.Browser = "Edge"
	case strings.Contains(ua, "opr/"), strings.Contains(ua, "opera"):
		info.Browser = "Opera"
	case strings.Contains(ua, "firefox/"):
		info.Browser = "Firefox"
	case strings.Contains(ua, "chrome/"):
		info.Browser = "Chrome"
	case strings.Contains(ua, "safari/"):
		info.Browser = "Safari"
	}

	if info.Browser != "Unknown" && info.OS != "Unknown" {
		info.DeviceName = info.Browser + " on " + info.OS
	} else if info.Browser != "Unknown" {
		info.DeviceName = info.Browser
	} else if info.OS != "Unknown" {
		info.DeviceName = info.OS
	}

	return info
}
