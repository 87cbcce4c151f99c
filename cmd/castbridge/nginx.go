package main

import (
	"io"
	"net/url"
	"text/template"

	"github.com/castbridge/castbridge/internal/config"
)

// nginxTemplate fronts the whole deployment: clients connect to the
// external port, the app answers on the internal port, and media
// streams bypass the app entirely by going straight to the library
// server.
const nginxTemplate = `# Generated by castbridge. Place in /etc/nginx/conf.d/castbridge.conf
upstream emby_upstream {
    server {{.EmbyHost}};
}

upstream castbridge {
    server 127.0.0.1:{{.InternalPort}};
}

server {
    listen {{.ExternalPort}};

    client_max_body_size 20M;
    proxy_http_version 1.1;
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
    proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_read_timeout 3600s;
    proxy_send_timeout 3600s;

    # Video and audio streams never touch the app.
    location ~* ^/emby/Videos/ {
        proxy_pass http://emby_upstream;
        proxy_buffering off;
    }
    location ~* ^/emby/Audio/ {
        proxy_pass http://emby_upstream;
        proxy_buffering off;
    }

    location / {
        proxy_pass http://castbridge;
    }
}
`

type nginxParams struct {
	EmbyHost     string
	InternalPort int
	ExternalPort int
}

// writeNginxConfig renders the front-end nginx config from live
// configuration.
func writeNginxConfig(w io.Writer, cfg *config.Config) error {
	u, err := url.Parse(cfg.Emby.URL)
	if err != nil {
		return err
	}
	host := u.Host
	if host == "" {
		host = cfg.Emby.URL
	}

	tmpl := template.Must(template.New("nginx").Parse(nginxTemplate))
	return tmpl.Execute(w, nginxParams{
		EmbyHost:     host,
		InternalPort: config.InternalPort,
		ExternalPort: cfg.Proxy.ExternalPort,
	})
}
