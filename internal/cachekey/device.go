package cachekey

import (
	"net/http"
	"strings"
)

// Device is the viewer class reported by the CDN.
type Device string

const (
	DeviceNone    Device = ""
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
	DeviceSmartTV Device = "smarttv"
)

// Checked in priority order; the first header set to "true" wins.
var deviceHeaders = []struct {
	header string
	device Device
}{
	{"CloudFront-Is-Desktop-Viewer", DeviceDesktop},
	{"CloudFront-Is-Mobile-Viewer", DeviceMobile},
	{"CloudFront-Is-Tablet-Viewer", DeviceTablet},
	{"CloudFront-Is-SmartTV-Viewer", DeviceSmartTV},
}

// DeviceOf classifies the viewer from the CDN device headers.
func DeviceOf(h http.Header) Device {
	for _, d := range deviceHeaders {
		if strings.EqualFold(strings.TrimSpace(h.Get(d.header)), "true") {
			return d.device
		}
	}
	return DeviceNone
}
