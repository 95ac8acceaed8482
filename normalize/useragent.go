package normalize

import "regexp"

// BrowserContext, OSContext, and DeviceContext mirror the Contexts
// entries generate_contexts populates from a parsed User-Agent string.
type BrowserContext struct {
	Name    string
	Version string
}

type OSContext struct {
	Name    string
	Version string
}

type DeviceContext struct {
	Family string
	Model  string
	Brand  string
}

// ParsedUserAgent bundles the three contexts a single User-Agent
// header resolves to.
type ParsedUserAgent struct {
	Browser BrowserContext
	OS      OSContext
	Device  DeviceContext
}

var (
	browserPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"Edge", regexp.MustCompile(`Edg(?:e|A|iOS)?/([\d.]+)`)},
		{"Chrome", regexp.MustCompile(`Chrome/([\d.]+)`)},
		{"Firefox", regexp.MustCompile(`Firefox/([\d.]+)`)},
		{"Safari", regexp.MustCompile(`Version/([\d.]+).*Safari`)},
		{"Opera", regexp.MustCompile(`OPR/([\d.]+)`)},
		{"Internet Explorer", regexp.MustCompile(`MSIE ([\d.]+)`)},
	}

	osPatterns = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"Windows", regexp.MustCompile(`Windows NT ([\d.]+)`)},
		{"Mac OS X", regexp.MustCompile(`Mac OS X ([\d_.]+)`)},
		{"Android", regexp.MustCompile(`Android ([\d.]+)`)},
		{"iOS", regexp.MustCompile(`OS ([\d_]+) like Mac OS X`)},
		{"Linux", regexp.MustCompile(`Linux`)},
	}

	mobileRe = regexp.MustCompile(`Mobile|Android|iPhone|iPad`)
	iPadRe   = regexp.MustCompile(`iPad`)
	iPhoneRe = regexp.MustCompile(`iPhone`)
)

// ParseUserAgent extracts a coarse browser/OS/device family and
// version from a User-Agent header string. This is a small
// hand-rolled matcher rather than a parsing library: no User-Agent
// parsing package appears anywhere in the retrieval pack, so the
// closest-fit approach is a bounded set of regexes over the well-known
// browser/OS tokens the original's user_agents library also keys off
// of, recorded in DESIGN.md as a standard-library fallback.
func ParseUserAgent(ua string) ParsedUserAgent {
	var out ParsedUserAgent

	for _, p := range browserPatterns {
		if m := p.re.FindStringSubmatch(ua); m != nil {
			out.Browser = BrowserContext{Name: p.name, Version: m[1]}
			break
		}
	}

	for _, p := range osPatterns {
		m := p.re.FindStringSubmatch(ua)
		if m == nil {
			continue
		}
		version := ""
		if len(m) > 1 {
			version = m[1]
		}
		out.OS = OSContext{Name: p.name, Version: version}
		break
	}

	switch {
	case iPadRe.MatchString(ua):
		out.Device = DeviceContext{Family: "iPad", Model: "iPad", Brand: "Apple"}
	case iPhoneRe.MatchString(ua):
		out.Device = DeviceContext{Family: "iPhone", Model: "iPhone", Brand: "Apple"}
	case mobileRe.MatchString(ua):
		out.Device = DeviceContext{Family: "Mobile", Model: "Generic Mobile"}
	default:
		out.Device = DeviceContext{Family: "Other"}
	}

	return out
}
