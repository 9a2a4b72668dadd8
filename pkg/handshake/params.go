package handshake

import (
	"regexp"
	"strconv"
	"strings"
)

// versionMarker matches the VERSION_x_y_z form the daemon uses to
// advertise its protocol version in an args list.
var versionMarker = regexp.MustCompile(`^VERSION_[0-9]+(_[0-9]+)*$`)

// IsVersionMarker reports whether name is a VERSION_x_y_z marker.
func IsVersionMarker(name string) bool {
	return versionMarker.MatchString(name)
}

// DottedVersion converts "VERSION_1_5_0" to "1.5.0". Strings without the
// prefix only have their underscores replaced.
func DottedVersion(v string) string {
	v = strings.TrimPrefix(v, "VERSION_")
	return strings.ReplaceAll(v, "_", ".")
}

// builtinDefaults are used when nothing more specific supplies a value.
var builtinDefaults = map[string]string{
	"cursor":        "remote",
	"swap-red-blue": "false",
	"read-only":     "false",
}

// paramResolver maps connect parameter names to values. Precedence, highest
// first: target endpoint, protocol version, per-session values, operator
// defaults, built-in defaults, "".
type paramResolver struct {
	host            string
	port            int
	protocolVersion string
	session         map[string]string
	defaults        map[string]string
}

func (p *paramResolver) resolve(name string) string {
	lname := strings.ToLower(name)
	switch lname {
	case "hostname", "host":
		return p.host
	case "port":
		return strconv.Itoa(p.port)
	}
	if IsVersionMarker(name) {
		return DottedVersion(p.protocolVersion)
	}
	if strings.Contains(lname, "version") {
		return p.protocolVersion
	}
	if v, ok := lookupFold(p.session, name); ok {
		return v
	}
	if v, ok := lookupFold(p.defaults, name); ok {
		return v
	}
	if v, ok := builtinDefaults[lname]; ok {
		return v
	}
	return ""
}

func (p *paramResolver) resolveAll(names []string) []string {
	values := make([]string, len(names))
	for i, name := range names {
		values[i] = p.resolve(name)
	}
	return values
}

func lookupFold(m map[string]string, name string) (string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
