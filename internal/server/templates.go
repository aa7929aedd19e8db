package server

import (
	"html/template"
	"net/http"
	"strings"
)

func join(base, path string) string {
	b := strings.HasSuffix(base, "/")
	p := strings.HasPrefix(path, "/")
	switch {
	case b && p:
		return base + path[1:]
	case b || p:
		return base + path
	default:
		return base + "/" + path
	}
}

const loginPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Log in to {{ issuer }}</title>
	</head>
	<body>
		<h1>Log in with {{ .Connector }}</h1>
		{{ if .Tenant }}<p>Organization: <span id="tenant">{{ .Tenant }}</span></p>{{ end }}
		{{ if .ACRValues }}
		<p>Requested authentication context:</p>
		<ul>
			{{ range .ACRValues }}<li class="acr">{{ . }}</li>
			{{ end }}
		</ul>
		{{ end }}
		<form action="{{ url "/login" }}" method="POST">
			<input type="hidden" name="auth_id" value="{{ .AuthID }}">
			<label>Username <input type="text" name="username" value="{{ .LoginHint }}"></label>
			<input type="submit" value="Log in">
		</form>
	</body>
</html>`

const loggedOutPage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Logged out</title>
	</head>
	<body>
		<h1>You have been logged out of {{ issuer }}</h1>
	</body>
</html>`

type templates struct {
	loginTmpl     *template.Template
	loggedOutTmpl *template.Template
}

func loadTemplates(issuerURL string) (*templates, error) {
	funcs := map[string]interface{}{
		"issuer": func() string { return issuerURL },
		"url":    func(s string) string { return join(issuerURL, s) },
	}

	login, err := template.New("login").Funcs(funcs).Parse(loginPage)
	if err != nil {
		return nil, err
	}
	loggedOut, err := template.New("loggedOut").Funcs(funcs).Parse(loggedOutPage)
	if err != nil {
		return nil, err
	}

	return &templates{
		loginTmpl:     login,
		loggedOutTmpl: loggedOut,
	}, nil
}

type loginData struct {
	AuthID    string
	Connector string
	Tenant    string
	ACRValues []string
	LoginHint string
}

func (t *templates) login(w http.ResponseWriter, data loginData) error {
	return renderTemplate(w, t.loginTmpl, data)
}

func (t *templates) loggedOut(w http.ResponseWriter) error {
	return renderTemplate(w, t.loggedOutTmpl, nil)
}

func renderTemplate(w http.ResponseWriter, tmpl *template.Template, data interface{}) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tmpl.Execute(w, data)
}
