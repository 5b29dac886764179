package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file: "destinations" for the destinations
// file, "server" for the rfcctl serve override file.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "destinations", "":
		return destinationsTemplate, nil
	case "server":
		return serverTemplate, nil
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

const destinationsTemplate = `# rfcctl destinations

[[destination]]
name = "NPL"
host = "localhost"
service = "sapgw42"
client = "001"
user = "DEVELOPER"
password = "developer1"
language = "EN"
max_connect_attempts = 3
# trace_file = "trace/npl.jsonl"

[[destination]]
name = "NPL_DIRECT"
connect_string = "ASHOST=localhost SYSNR=42 CLIENT=001 USER=DEVELOPER PASSWD=developer1 LANG=EN"

[server]
program_id = "ZRFCCTEST"
gateway_host = ""
gateway_service = "sapgw42"
admin = ":9042"
system_id = "NPL"
release = "1.0"
max_restarts = 5
cors_origins = ["http://localhost:3000"]
# import_from = "NPL"

# [[server.user]]
# client = "001"
# user = "DEVELOPER"
# password_hash = "<output of rfcctl hash-password>"

[server.tables]
source = "memory"
sample_weeks = 4
# source = "mongo"
# mongo_uri = "mongodb://localhost:27017"
# database = "rfcctl"
#
# [[server.tables.table]]
# name = "SFLIGHT"
# collection = "sflight"
# keys = { CARRID = "carrier", CONNID = "connection" }
# field = [
#   { name = "CARRID", type = "CHAR", length = 3 },
#   { name = "CONNID", type = "NUMC", length = 4 },
#   { name = "FLDATE", type = "DATE" },
# ]

[repository]
kind = "memory"
size = 256
# kind = "redis"
# redis_addr = "localhost:6379"
# ttl = "1h"

[transport]
connect_timeout = "5s"
call_timeout = "30s"
idle_timeout = "5m"
security_mode = "development"
`

const serverTemplate = `# rfcctl serve overrides; only keys present here replace the destinations file
program_id = "ZRFCCTEST"
listen = ":3342"
admin = ":9042"
trace_file = ""
max_restarts = 5
`
