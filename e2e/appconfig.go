package e2e

import (
	"bytes"
	"fmt"
	"os"
	"text/template"
)

// appConfigOptions is used to fill in a config template with details unique to
// a specific test environment. Keep this as small as possible so the input
// remains as close to a "real" YAML document as we can make it. Also using
// YAML/JSON-compatible types only here.
//
// Fields are exported so we can use them in templates.
type appConfigOptions struct {
	RelayAddress      string
	AlertRelayAddress string // no alert section if empty
	StorageDir        string
	SiteName          string
	ConfirmRequester  bool
}

// createAppConfig writes a configuration YAML doc to the given path.
// Use this configuration to start the e2e test environment
func createAppConfig(path string, opts appConfigOptions) error {
	configTemplate := `---
email:
    smtpServerAddress: smtp://{{ .RelayAddress }}
    username: user
    password: pass
    fromAddress: forms@example.com
    fromName: {{ .SiteName }}
    toAddress: inbox@example.com
    helloName: e2e.test
    timeout: 5s
    skipCertVerification: true
    maxMessageSize: 1MiB
{{- if .AlertRelayAddress }}
alert:
    smtpServerAddress: {{ .AlertRelayAddress }}
    username: user
    password: pass
    fromAddress: alerts@example.net
    toAddress: oncall@example.net
    timeout: 5s
    skipCertVerification: true
{{- end }}
site:
    name: {{ .SiteName }}
    confirmRequester: {{ .ConfirmRequester }}
storage:
    storageDir: {{ .StorageDir }}
    keyTTL: "720h"
    cleanupInterval: "10m"
`

	tmpl, err := template.New("conf").Parse(configTemplate)

	// This means the config template string was written incorrectly. Not
	// an issue with the application itself.
	if err != nil {
		return fmt.Errorf("couldn't parse the application config template: %v", err)
	}

	var config bytes.Buffer

	err = tmpl.Execute(&config, opts)

	// This is an issue with the test environment, not the application
	if err != nil {
		return fmt.Errorf("couldn't populate the application config template: %v", err)
	}

	err = os.WriteFile(path, config.Bytes(), 0o600)
	if err != nil {
		return fmt.Errorf("couldn't write to the config file: %v", err)
	}

	return nil

}
