// Package sentry holds views over the Sentry wire formats: the event JSON
// body, the session item payload, and the X-Sentry-Auth credentials. It
// only reads the fields this service persists; everything else in the
// payload stays untouched in the archived bytes.
package sentry

import (
	"encoding/json"
	"strings"
)

// Report is the subset of a Sentry event this service extracts metadata
// from. Absent string fields decode to "".
type Report struct {
	EventID     string                     `json:"event_id"`
	Timestamp   string                     `json:"timestamp"`
	Platform    string                     `json:"platform"`
	Level       string                     `json:"level"`
	Release     string                     `json:"release"`
	Dist        string                     `json:"dist"`
	Environment string                     `json:"environment"`
	SDK         *SDK                       `json:"sdk"`
	Contexts    *Contexts                  `json:"contexts"`
	Tags        map[string]json.RawMessage `json:"tags"`
	Exception   *Exception                 `json:"exception"`
	User        *User                      `json:"user"`
}

// SDK identifies the client library that produced the event.
type SDK struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// User carries the client-assigned user identifier.
type User struct {
	ID string `json:"id"`
}

// Contexts groups the event contexts this service reads.
type Contexts struct {
	Device  *DeviceContext  `json:"device"`
	OS      *OSContext      `json:"os"`
	App     *AppContext     `json:"app"`
	Culture *CultureContext `json:"culture"`
}

// DeviceContext describes the reporting device. Numeric fields are
// pointers so that absent and zero stay distinct in device spec rows.
type DeviceContext struct {
	Manufacturer       string   `json:"manufacturer"`
	Brand              string   `json:"brand"`
	Model              string   `json:"model"`
	Chipset            string   `json:"chipset"`
	ScreenWidthPixels  *int64   `json:"screen_width_pixels"`
	ScreenHeightPixels *int64   `json:"screen_height_pixels"`
	ScreenDensity      *float64 `json:"screen_density"`
	ScreenDPI          *int64   `json:"screen_dpi"`
	ProcessorCount     *int64   `json:"processor_count"`
	MemorySize         *int64   `json:"memory_size"`
	Archs              []string `json:"archs"`
	ConnectionType     string   `json:"connection_type"`
	Orientation        string   `json:"orientation"`
	Timezone           string   `json:"timezone"`
	Locale             string   `json:"locale"`
}

// OSContext names the operating system.
type OSContext struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// AppContext describes the application build.
type AppContext struct {
	AppName       string `json:"app_name"`
	AppVersion    string `json:"app_version"`
	AppBuild      string `json:"app_build"`
	AppIdentifier string `json:"app_identifier"`
}

// CultureContext takes precedence over the device context for locale and
// timezone.
type CultureContext struct {
	Locale   string `json:"locale"`
	Timezone string `json:"timezone"`
}

// Exception is the exception interface of the event.
type Exception struct {
	Values []ExceptionValue `json:"values"`
}

// ExceptionValue is one entry of the exception chain.
type ExceptionValue struct {
	Type       string      `json:"type"`
	Value      string      `json:"value"`
	Stacktrace *Stacktrace `json:"stacktrace"`
}

// Stacktrace holds the frames of one exception value.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Frame is one stack frame. All fields serialize, nil pointers as null,
// so that stored frame JSON is stable for content hashing.
type Frame struct {
	Filename string `json:"filename"`
	Function string `json:"function"`
	Lineno   *int64 `json:"lineno"`
	Colno    *int64 `json:"colno"`
	AbsPath  string `json:"abs_path"`
	InApp    *bool  `json:"in_app"`
	Platform string `json:"platform"`
	Package  string `json:"package"`
}

// ParseReport decodes an event JSON body.
func ParseReport(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ErrorInfo returns the type and message of the first exception value.
func (r *Report) ErrorInfo() (typ, message string) {
	if exc := r.firstException(); exc != nil {
		return exc.Type, exc.Value
	}
	return "", ""
}

// SDKInfo returns the SDK name and version.
func (r *Report) SDKInfo() (name, version string) {
	if r.SDK != nil {
		return r.SDK.Name, r.SDK.Version
	}
	return "", ""
}

// UserID returns the client-assigned user id.
func (r *Report) UserID() string {
	if r.User != nil {
		return r.User.ID
	}
	return ""
}

// InAppFrames returns every frame across all exception values whose
// in_app flag is true.
func (r *Report) InAppFrames() []Frame {
	if r.Exception == nil {
		return nil
	}
	var frames []Frame
	for _, v := range r.Exception.Values {
		if v.Stacktrace == nil {
			continue
		}
		for _, f := range v.Stacktrace.Frames {
			if f.InApp != nil && *f.InApp {
				frames = append(frames, f)
			}
		}
	}
	return frames
}

// FirstExceptionFrames returns the full frame list of the first exception
// value, in-app or not.
func (r *Report) FirstExceptionFrames() []Frame {
	if exc := r.firstException(); exc != nil && exc.Stacktrace != nil {
		return exc.Stacktrace.Frames
	}
	return nil
}

func (r *Report) firstException() *ExceptionValue {
	if r.Exception == nil || len(r.Exception.Values) == 0 {
		return nil
	}
	return &r.Exception.Values[0]
}

// AppInfo resolves the application name, version and build. The app
// context wins; the release string "identifier@version+build" and the
// dist field backfill what the context leaves out.
func (r *Report) AppInfo() (name, version, build string) {
	relName, relVersion, relBuild := ParseRelease(r.Release)

	var app *AppContext
	if r.Contexts != nil {
		app = r.Contexts.App
	}

	if app != nil && app.AppName != "" {
		name = app.AppName
	} else if app != nil && app.AppIdentifier != "" {
		name = app.AppIdentifier
	} else {
		name = relName
	}

	if app != nil && app.AppVersion != "" {
		version = app.AppVersion
	} else {
		version = relVersion
	}

	if app != nil && app.AppBuild != "" {
		build = app.AppBuild
	} else if r.Dist != "" {
		build = r.Dist
	} else {
		build = relBuild
	}

	return name, version, build
}

// LocaleCode returns the event locale, culture context first.
func (r *Report) LocaleCode() string {
	if r.Contexts == nil {
		return ""
	}
	if r.Contexts.Culture != nil && r.Contexts.Culture.Locale != "" {
		return r.Contexts.Culture.Locale
	}
	if r.Contexts.Device != nil {
		return r.Contexts.Device.Locale
	}
	return ""
}

// TimezoneName returns the event timezone, culture context first.
func (r *Report) TimezoneName() string {
	if r.Contexts == nil {
		return ""
	}
	if r.Contexts.Culture != nil && r.Contexts.Culture.Timezone != "" {
		return r.Contexts.Culture.Timezone
	}
	if r.Contexts.Device != nil {
		return r.Contexts.Device.Timezone
	}
	return ""
}

// OSInfo returns the operating system name and version.
func (r *Report) OSInfo() (name, version string) {
	if r.Contexts != nil && r.Contexts.OS != nil {
		return r.Contexts.OS.Name, r.Contexts.OS.Version
	}
	return "", ""
}

// Device returns the device context, or nil.
func (r *Report) Device() *DeviceContext {
	if r.Contexts == nil {
		return nil
	}
	return r.Contexts.Device
}

// ParseRelease splits a release string of the form
// "identifier@version+build". A release without an "@" yields nothing;
// the "+build" suffix is optional.
func ParseRelease(release string) (identifier, version, build string) {
	if release == "" {
		return "", "", ""
	}
	identifier, rest, ok := strings.Cut(release, "@")
	if !ok {
		return "", "", ""
	}
	version, build, _ = strings.Cut(rest, "+")
	return identifier, version, build
}
