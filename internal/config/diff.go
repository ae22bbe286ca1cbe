package config

import "reflect"

// RestartRequired lists the sections that differ between prev and next but
// are only read at startup. Routes and header mappings apply on reload.
func RestartRequired(prev, next *Config) []string {
	if prev == nil || next == nil {
		return nil
	}

	sections := []struct {
		name       string
		prev, next any
	}{
		{"server", prev.Server, next.Server},
		{"logging", prev.Logging, next.Logging},
		{"tracing", prev.Tracing, next.Tracing},
		{"security", prev.Security, next.Security},
		{"preauth", prev.PreAuth, next.PreAuth},
		{"federation", prev.Federation, next.Federation},
		{"directory", prev.Directory, next.Directory},
		{"accounts", prev.Accounts, next.Accounts},
		{"notifications", prev.Notifications, next.Notifications},
		{"vault", prev.Vault, next.Vault},
	}

	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			changed = append(changed, s.name)
		}
	}
	return changed
}
