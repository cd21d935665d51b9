package proxy

import (
	"embed"
	"sort"
	"strings"
)

//go:embed templates/welcome.html templates/blog.html templates/showroom.html templates/bad_gateway.html
var assets embed.FS

func readAsset(path string) string {
	b, err := assets.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// htmlEscape matches original_source's core::helpers::html_escape table.
func htmlEscape(s string) string {
	r := strings.NewReplacer(
		`&`, "&amp;",
		`<`, "&lt;",
		`>`, "&gt;",
		`"`, "&quot;",
		`'`, "&#x27;",
	)
	return r.Replace(s)
}

func routeLinksHTML(routes []string, domain, portSuffix string) string {
	sort.Strings(routes)
	var b strings.Builder
	for _, sub := range routes {
		safe := htmlEscape(sub)
		b.WriteString(`<a href="http://`)
		b.WriteString(safe)
		b.WriteString(".")
		b.WriteString(htmlEscape(domain))
		b.WriteString(portSuffix)
		b.WriteString(`/" class="route-link">`)
		b.WriteString(safe)
		b.WriteString(".")
		b.WriteString(htmlEscape(domain))
		b.WriteString(`</a>`)
	}
	return b.String()
}

func renderWelcome(routes []string, domain, portSuffix string) string {
	var subtitle string
	if len(routes) == 0 {
		subtitle = "No servers are running yet. Create one to get started."
	} else {
		plural := "s"
		if len(routes) == 1 {
			plural = ""
		}
		subtitle = itoa(len(routes)) + " active server" + plural + " on this domain:"
	}
	r := strings.NewReplacer(
		"{{SUBTITLE}}", subtitle,
		"{{ROUTES_HTML}}", routeLinksHTML(routes, domain, portSuffix),
	)
	return r.Replace(readAsset("templates/welcome.html"))
}

func renderBlog(domain, portSuffix string) string {
	r := strings.NewReplacer(
		"{{DOMAIN}}", htmlEscape(domain),
		"{{PORT_SUFFIX}}", portSuffix,
	)
	return r.Replace(readAsset("templates/blog.html"))
}

func renderShowroom(subdomain, domain, portSuffix string, routes []string) string {
	var routesHTML string
	if len(routes) == 0 {
		routesHTML = `<div class="no-routes">No servers are running on this domain yet.</div>`
	} else {
		routesHTML = `<p class="lbl">Active Servers on this Domain</p><div class="route-grid">` +
			routeLinksHTML(routes, domain, portSuffix) + `</div>`
	}
	r := strings.NewReplacer(
		"{{SUBDOMAIN}}", htmlEscape(subdomain),
		"{{DOMAIN}}", htmlEscape(domain),
		"{{PORT_SUFFIX}}", portSuffix,
		"{{ROUTES_HTML}}", routesHTML,
	)
	return r.Replace(readAsset("templates/showroom.html"))
}

func renderBadGateway(subdomain, domain string, targetPort int) string {
	r := strings.NewReplacer(
		"{{SUBDOMAIN}}", htmlEscape(subdomain),
		"{{DOMAIN}}", htmlEscape(domain),
		"{{TARGET_PORT}}", itoa(targetPort),
	)
	return r.Replace(readAsset("templates/bad_gateway.html"))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
