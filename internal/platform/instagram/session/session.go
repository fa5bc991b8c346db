// Package session holds the emulated device profile stored in a session record.
package session

import (
	"encoding/json"
	"strconv"
)

type DeviceSettings struct {
	AppVersion     string `json:"app_version"`
	AndroidVersion int    `json:"android_version"`
	AndroidRelease string `json:"android_release"`
	DPI            string `json:"dpi"`
	Resolution     string `json:"resolution"`
	Manufacturer   string `json:"manufacturer"`
	Device         string `json:"device"`
	Model          string `json:"model"`
	CPU            string `json:"cpu"`
	VersionCode    string `json:"version_code"`
}

func DefaultDeviceSettings() *DeviceSettings {
	return &DeviceSettings{
		AppVersion:     "269.0.0.18.75",
		AndroidVersion: 26,
		AndroidRelease: "8.0.0",
		DPI:            "480dpi",
		Resolution:     "1080x1920",
		Manufacturer:   "OnePlus",
		Device:         "devitron",
		Model:          "6T Dev",
		CPU:            "qcom",
		VersionCode:    "314665256",
	}
}

// Map returns the settings in the shape stored in a session record.
func (d *DeviceSettings) Map() map[string]any {
	return map[string]any{
		"app_version":     d.AppVersion,
		"android_version": d.AndroidVersion,
		"android_release": d.AndroidRelease,
		"dpi":             d.DPI,
		"resolution":      d.Resolution,
		"manufacturer":    d.Manufacturer,
		"device":          d.Device,
		"model":           d.Model,
		"cpu":             d.CPU,
		"version_code":    d.VersionCode,
	}
}

// FromMap reads settings written by Map, starting from the defaults for any
// missing field.
func FromMap(m map[string]any) *DeviceSettings {
	d := DefaultDeviceSettings()
	str := func(key string, dst *string) {
		if v, ok := m[key].(string); ok {
			*dst = v
		}
	}
	str("app_version", &d.AppVersion)
	str("android_release", &d.AndroidRelease)
	str("dpi", &d.DPI)
	str("resolution", &d.Resolution)
	str("manufacturer", &d.Manufacturer)
	str("device", &d.Device)
	str("model", &d.Model)
	str("cpu", &d.CPU)
	str("version_code", &d.VersionCode)

	switch v := m["android_version"].(type) {
	case json.Number:
		if n, err := strconv.Atoi(v.String()); err == nil {
			d.AndroidVersion = n
		}
	case float64:
		d.AndroidVersion = int(v)
	case int:
		d.AndroidVersion = v
	}
	return d
}
