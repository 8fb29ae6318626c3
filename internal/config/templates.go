package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon":
		return daemonTemplate, nil
	case "catalogue":
		return catalogueTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `listen_addr = "127.0.0.1:7400"
admin_addr = "127.0.0.1:7401"
admin_token = ""
cors_origins = ["http://localhost:3000"]
catalogue = "catalogue.toml"
strict_ids = false
duplicate_policy = "fail-fast"
max_frame_bytes = 8388608
stream_capacity = 1000
read_timeout = "0s"
write_timeout = "15s"
close_on_transport_error = false

[security]
mode = "development"

[security.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[nats]
url = ""
subject = "framebus.in"
reply_subject = "framebus.out"
queue = ""
connect_timeout = "5s"
`

const catalogueTemplate = `# Kinds registered in addition to the builtin ones.

[[kinds]]
code = "0x00000100"
name = "Heartbeat"
allow_zero_id = true
schema = '''
{
  "type": "object",
  "properties": {
    "node": {"type": "string", "minLength": 1},
    "uptime_s": {"type": "integer", "minimum": 0}
  },
  "required": ["node"]
}
'''

[[kinds]]
code = "0x00000101"
name = "Annotation"
schema = '''
{
  "type": "object",
  "properties": {
    "ref": {"type": "string"},
    "text": {"type": "string"}
  },
  "required": ["ref", "text"],
  "additionalProperties": false
}
'''
`
