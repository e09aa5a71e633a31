package api

import (
	"bytes"
	"fmt"
	"html/template"
)

type consentPageData struct {
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
}

func renderConsentPage(data *consentPageData) ([]byte, error) {
	var buf bytes.Buffer
	if err := consentTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute consent template: %w", err)
	}
	return buf.Bytes(), nil
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>CI MCP Server - Authorization</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            max-width: 600px;
            margin: 50px auto;
            padding: 20px;
            background: #f5f5f5;
        }
        .container {
            background: white;
            border-radius: 8px;
            padding: 30px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
        }
        .header {
            text-align: center;
            margin-bottom: 30px;
        }
        .app-name {
            color: #333;
            font-size: 24px;
            font-weight: 600;
            margin: 0;
        }
        .subtitle {
            color: #666;
            margin-top: 8px;
        }
        .permission-section {
            margin: 20px 0;
            padding: 20px;
            background: #f8f9fa;
            border-radius: 6px;
            border-left: 4px solid #007bff;
        }
        .permission-title {
            font-weight: 600;
            margin-bottom: 10px;
        }
        .permission-list {
            list-style: none;
            padding: 0;
            margin: 0;
        }
        .permission-list li {
            padding: 8px 0;
            border-bottom: 1px solid #e9ecef;
        }
        .permission-list li:last-child {
            border-bottom: none;
        }
        .button-group {
            display: flex;
            gap: 15px;
            margin-top: 30px;
        }
        .btn {
            flex: 1;
            padding: 12px 24px;
            border: none;
            border-radius: 6px;
            font-size: 16px;
            cursor: pointer;
            transition: all 0.2s;
        }
        .btn-primary {
            background: #007bff;
            color: white;
        }
        .btn-primary:hover {
            background: #0056b3;
        }
        .btn-secondary {
            background: #6c757d;
            color: white;
        }
        .btn-secondary:hover {
            background: #545862;
        }
        .client-info {
            background: #e3f2fd;
            border: 1px solid #bbdefb;
            border-radius: 6px;
            padding: 15px;
            margin-bottom: 20px;
        }
        .client-info strong {
            color: #1976d2;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1 class="app-name">CI MCP Server</h1>
            <p class="subtitle">Authorization Request</p>
        </div>

        <div class="client-info">
            <strong>Application:</strong> {{.ClientID}}<br>
            <strong>Redirect URI:</strong> {{.RedirectURI}}<br>
            <strong>Requested Scope:</strong> {{.Scope}}
        </div>

        <div class="permission-section">
            <div class="permission-title">This application is requesting access to:</div>
            <ul class="permission-list">
                <li>&#128269; Access your projects and pipelines</li>
                <li>&#128202; View build logs and test results</li>
                <li>&#128260; Trigger and manage pipeline runs</li>
                <li>&#128200; Access project insights and analytics</li>
            </ul>
        </div>

        <form method="POST" action="/oauth/consent">
            <input type="hidden" name="client_id" value="{{.ClientID}}">
            <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
            <input type="hidden" name="scope" value="{{.Scope}}">
            {{if .State}}<input type="hidden" name="state" value="{{.State}}">{{end}}

            <div class="button-group">
                <button type="submit" name="action" value="deny" class="btn btn-secondary">
                    Cancel
                </button>
                <button type="submit" name="action" value="allow" class="btn btn-primary">
                    Authorize Application
                </button>
            </div>
        </form>
    </div>
</body>
</html>`))
