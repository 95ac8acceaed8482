package normalize

import (
	"strings"

	"github.com/glitchtip/ingest/wire"
)

const (
	maxTagKeyLen   = 200
	maxTagValueLen = 200
)

// GenerateContexts populates contexts.browser/os/device from the
// request's User-Agent header when the event does not already carry
// them, mirroring generate_contexts. It mutates nothing on ev; the
// caller folds the result into DeriveTags directly.
func GenerateContexts(ev *wire.Event, userAgent string) ParsedUserAgent {
	if userAgent == "" {
		return ParsedUserAgent{}
	}
	parsed := ParseUserAgent(userAgent)

	if ev.Contexts != nil {
		if _, ok := ev.Contexts["browser"]; ok {
			parsed.Browser = BrowserContext{}
		}
		if _, ok := ev.Contexts["os"]; ok {
			parsed.OS = OSContext{}
		}
		if _, ok := ev.Contexts["device"]; ok {
			parsed.Device = DeviceContext{}
		}
	}
	return parsed
}

// DeriveTags builds the flat key/value tag map stored with an event:
// SDK-supplied tags merged with derived browser/os/device/user/
// environment/release/server_name tags, each truncated to 200 chars
// and with empty values dropped, matching generate_tags.
func DeriveTags(ev *wire.Event, ua ParsedUserAgent) map[string]string {
	tags := make(map[string]string, len(ev.Tags)+8)
	for k, v := range ev.Tags {
		tags[k] = v
	}

	if ua.Browser.Name != "" {
		tags["browser.name"] = ua.Browser.Name
		tags["browser"] = strings.TrimSpace(ua.Browser.Name + " " + ua.Browser.Version)
	}
	if ua.OS.Name != "" {
		tags["os.name"] = ua.OS.Name
	}
	if ua.Device.Model != "" {
		tags["device"] = ua.Device.Model
	}

	if ev.User != nil {
		if ev.User.ID != "" {
			tags["user.id"] = ev.User.ID
		}
		if ev.User.Email != "" {
			tags["user.email"] = ev.User.Email
		}
		if ev.User.Username != "" {
			tags["user.username"] = ev.User.Username
		}
	}

	if ev.Environment != "" {
		tags["environment"] = ev.Environment
	}
	if ev.Release != "" {
		tags["release"] = ev.Release
	}
	if ev.ServerName != "" {
		tags["server_name"] = ev.ServerName
	}

	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if v == "" {
			continue
		}
		out[truncateRunes(k, maxTagKeyLen)] = truncateRunes(v, maxTagValueLen)
	}
	return out
}

// UserAgentFromHeaders extracts the User-Agent header value out of a
// normalized request headers list, or "" if absent.
func UserAgentFromHeaders(pairs [][2]string) string {
	for _, kv := range pairs {
		if strings.EqualFold(kv[0], "User-Agent") {
			return kv[1]
		}
	}
	return ""
}
