package backend

import (
	"embed"
	"strings"
)

//go:embed templates/rss.js templates/js/rush-app-api.js templates/js/rush-app-ui.js templates/dashboard.html templates/_reset.css templates/favicon.svg
var assets embed.FS

func readAsset(path string) string {
	b, err := assets.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

// jsEscape escapes a string for safe embedding inside a JS string literal,
// grounded on original_source's server/handlers/web/assets.rs::js_escape.
func jsEscape(s string) string {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`"`, `\"`,
		`<`, `\x3c`,
		`>`, `\x3e`,
		`&`, `\x26`,
	)
	return r.Replace(s)
}

// htmlEscape matches original_source's core::helpers::html_escape table
// exactly (including &#x27; for single quotes, not &#39;).
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

type templateVars struct {
	ServerName      string
	Port            int
	ProxyPort       int
	ProxyHTTPSPort  int
	Version         string
	CreationTime    string
}

func renderJS(raw string, v templateVars) string {
	r := strings.NewReplacer(
		"{{SERVER_NAME}}", jsEscape(v.ServerName),
		"{{PORT}}", itoa(v.Port),
		"{{PROXY_PORT}}", itoa(v.ProxyPort),
		"{{PROXY_HTTPS_PORT}}", itoa(v.ProxyHTTPSPort),
	)
	return r.Replace(raw)
}

func renderHTML(raw string, v templateVars) string {
	r := strings.NewReplacer(
		"{{SERVER_NAME}}", htmlEscape(v.ServerName),
		"{{PORT}}", itoa(v.Port),
		"{{PROXY_PORT}}", itoa(v.ProxyPort),
		"{{PROXY_HTTPS_PORT}}", itoa(v.ProxyHTTPSPort),
		"{{VERSION}}", v.Version,
		"{{CREATION_TIME}}", v.CreationTime,
	)
	return r.Replace(raw)
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

// injectAssets inlines the reset stylesheet link and the hot-reload
// script into html, idempotently, grounded on
// original_source::server::handlers::web::server::inject_rss_script.
func injectAssets(html string) string {
	if strings.Contains(html, "/rss.js") {
		return html
	}
	const cssLink = `<link rel="stylesheet" href="/.rss/_reset.css">`
	const scriptTag = `<script defer src="/rss.js"></script>`

	withCSS := html
	if idx := strings.Index(html, "</head>"); idx >= 0 {
		withCSS = html[:idx] + "\n    " + cssLink + "\n" + html[idx:]
	} else {
		withCSS = cssLink + "\n" + html
	}

	if idx := strings.LastIndex(withCSS, "</body>"); idx >= 0 {
		return withCSS[:idx] + "\n    " + scriptTag + "\n" + withCSS[idx:]
	}
	if idx := strings.LastIndex(withCSS, "</html>"); idx >= 0 {
		return withCSS[:idx] + scriptTag + "\n" + withCSS[idx:]
	}
	return withCSS + "\n" + scriptTag
}
