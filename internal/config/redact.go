package config

const masked = "***"

// Redact returns a deep copy of the config with sensitive values masked.
// Everything else is pointwise equal to the original.
func (c *Config) Redact() *Config {
	out := *c

	if out.Server.Auth.Token != "" {
		out.Server.Auth.Token = masked
	}
	if out.Server.Auth.JWTSecret != "" {
		out.Server.Auth.JWTSecret = masked
	}

	if c.Listeners != nil {
		out.Listeners = make(map[string]ListenerConfig, len(c.Listeners))
		for name, lc := range c.Listeners {
			cp := lc
			if cp.Token != "" {
				cp.Token = masked
			}
			if lc.Options != nil {
				cp.Options = make(map[string]string, len(lc.Options))
				for k, v := range lc.Options {
					cp.Options[k] = v
				}
			}
			out.Listeners[name] = cp
		}
	}

	out.Security.AllowedUsers = append([]string(nil), c.Security.AllowedUsers...)
	out.Agent.Args = append([]string(nil), c.Agent.Args...)
	out.Sessions.Routes = append([]RouteConfig(nil), c.Sessions.Routes...)
	if c.Sessions.Sessions != nil {
		out.Sessions.Sessions = make(map[string]SessionConfig, len(c.Sessions.Sessions))
		for name, sc := range c.Sessions.Sessions {
			cp := sc
			cp.Args = append([]string(nil), sc.Args...)
			out.Sessions.Sessions[name] = cp
		}
	}

	return &out
}
