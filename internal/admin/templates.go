package admin

import (
	"fmt"
	"html/template"
	"io"
	"time"
)

const baseTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>decisio admin</title>
<style>
body { font-family: system-ui, sans-serif; margin: 0; background: #f8fafc; color: #0f172a; }
nav { background: #0f172a; color: #fff; padding: 0.75rem 1.5rem; display: flex; gap: 1.5rem; align-items: center; }
nav a { color: #cbd5e1; text-decoration: none; }
nav a:hover { color: #fff; }
main { max-width: 64rem; margin: 2rem auto; padding: 0 1.5rem; }
table { width: 100%; border-collapse: collapse; background: #fff; }
th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid #e2e8f0; }
.error { background: #fee2e2; color: #991b1b; padding: 0.5rem 0.75rem; border-radius: 0.25rem; margin-bottom: 1rem; }
.notice { background: #fef9c3; color: #854d0e; padding: 0.5rem 0.75rem; border-radius: 0.25rem; margin-bottom: 1rem; }
.badge-on { background: #dcfce7; color: #166534; border: none; padding: 0.2rem 0.6rem; border-radius: 9999px; cursor: pointer; }
.badge-off { background: #fee2e2; color: #991b1b; border: none; padding: 0.2rem 0.6rem; border-radius: 9999px; cursor: pointer; }
button, input[type=submit] { cursor: pointer; }
form.inline { display: inline; }
code { background: #e2e8f0; padding: 0.1rem 0.3rem; border-radius: 0.2rem; }
</style>
</head>
<body>
{{if .User}}
<nav>
<strong>decisio</strong>
<a href="/">Rules</a>
<a href="/api-keys">API Keys</a>
<a href="/audit-log">Audit Log</a>
<span style="margin-left:auto">{{.User.Username}}</span>
<form class="inline" method="post" action="/logout">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="submit" value="Logout">
</form>
</nav>
{{end}}
<main>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
{{template "content" .}}
</main>
</body>
</html>`

var pageTemplates = map[string]string{
	"login.html": `{{define "content"}}
<h1>Login</h1>
<form method="post" action="/login">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<p><label>Username<br><input name="username" autocomplete="username" required></label></p>
<p><label>Password<br><input type="password" name="password" autocomplete="current-password" required></label></p>
<p><input type="submit" value="Login"></p>
</form>
{{end}}`,

	"setup.html": `{{define "content"}}
<h1>Setup Admin</h1>
<p>No administrator account exists yet. Create the first one.</p>
<form method="post" action="/setup">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<p><label>Username<br><input name="username" required></label></p>
<p><label>Password<br><input type="password" name="password" required></label></p>
<p><label>Confirm password<br><input type="password" name="confirm_password" required></label></p>
<p><input type="submit" value="Create account"></p>
</form>
{{end}}`,

	"dashboard.html": `{{define "content"}}
<h1>Rules</h1>
{{if .Rules}}
<table>
<tr><th>Name</th><th>Type</th><th>Priority</th><th>Status</th><th>Updated</th></tr>
{{range .Rules}}
<tr>
<td>{{.Name}}</td>
<td>{{.Type}}</td>
<td>{{.Priority}}</td>
<td>
<form class="inline" method="post" action="/rules/toggle">
<input type="hidden" name="csrf_token" value="{{$.CSRFToken}}">
<input type="hidden" name="rule_id" value="{{.ID}}">
{{if .Active}}<button class="badge-on" type="submit">Active</button>{{else}}<button class="badge-off" type="submit">Inactive</button>{{end}}
</form>
</td>
<td>{{formatTime .UpdatedAt}}</td>
</tr>
{{end}}
</table>
{{else}}
<p>No rules defined yet. Create them through the API.</p>
{{end}}
{{end}}`,

	"api_keys.html": `{{define "content"}}
<h1>API Keys</h1>
{{if .NewSecret}}
<div class="notice">
New key created. The secret will not be shown again:
<code>{{.NewKeyID}}.{{.NewSecret}}</code>
</div>
{{end}}
<form method="post" action="/api-keys">
<input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
<input type="submit" value="Create API Key">
</form>
{{if .APIKeys}}
<table>
<tr><th>ID</th><th>Name</th><th>Created</th><th></th></tr>
{{range .APIKeys}}
<tr>
<td><code>{{.ID}}</code></td>
<td>{{.Name}}</td>
<td>{{formatTime .CreatedAt}}</td>
<td>
<form class="inline" method="post" action="/api-keys/revoke">
<input type="hidden" name="csrf_token" value="{{$.CSRFToken}}">
<input type="hidden" name="key_id" value="{{.ID}}">
<input type="submit" value="Revoke">
</form>
</td>
</tr>
{{end}}
</table>
{{else}}
<p>No API keys yet.</p>
{{end}}
{{end}}`,

	"audit_log.html": `{{define "content"}}
<h1>Audit Log</h1>
{{if .Entries}}
<table>
<tr><th>Time</th><th>Action</th><th>Rule</th><th>Actor</th><th>Details</th></tr>
{{range .Entries}}
<tr>
<td>{{formatTime .CreatedAt}}</td>
<td>{{.Action}}</td>
<td>{{.RuleID}}</td>
<td>{{if .AdminUserID}}{{.AdminUserID}}{{else}}{{.APIKeyID}}{{end}}</td>
<td><code>{{printf "%s" .Details}}</code></td>
</tr>
{{end}}
</table>
{{else}}
<p>No audit log entries found.</p>
{{end}}
{{end}}`,
}

var templates = func() map[string]*template.Template {
	parsed := make(map[string]*template.Template, len(pageTemplates))
	funcs := template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.Format(time.RFC3339)
		},
	}
	for name, page := range pageTemplates {
		tmpl := template.Must(template.New("base").Funcs(funcs).Parse(baseTemplate))
		template.Must(tmpl.Parse(page))
		parsed[name] = tmpl
	}
	return parsed
}()

// Render renders a page template with the given data.
func Render(w io.Writer, name string, data any) error {
	tmpl, ok := templates[name]
	if !ok {
		return fmt.Errorf("unknown template %q", name)
	}
	return tmpl.Execute(w, data)
}
