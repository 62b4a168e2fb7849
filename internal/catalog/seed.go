package catalog

// Seed loads the default lab images. Mirrors the catalog the dashboard ships
// with; admins can add or retire entries at runtime.
func (c *Catalog) Seed() {
	defaults := []ContainerImage{
		{
			Name:           "Kali Linux",
			Image:          "kalilinux/kali-rolling:latest",
			Description:    "Full Kali desktop with the standard security toolset",
			Category:       "security",
			CPULimit:       2.0,
			MemoryLimitMB:  4096,
			StorageLimitGB: 20,
			ConnectionKind: ConnectionGraphicalDesktop,
			Active:         true,
		},
		{
			Name:           "Parrot Security",
			Image:          "parrotsec/security:latest",
			Description:    "Parrot OS security edition",
			Category:       "security",
			CPULimit:       2.0,
			MemoryLimitMB:  4096,
			StorageLimitGB: 20,
			ConnectionKind: ConnectionGraphicalDesktop,
			Active:         true,
		},
		{
			Name:           "Chrome Browser",
			Image:          "selenium/standalone-chrome:latest",
			Description:    "Isolated Chrome session over VNC",
			Category:       "browsers",
			CPULimit:       1.0,
			MemoryLimitMB:  2048,
			StorageLimitGB: 10,
			ConnectionKind: ConnectionBrowserRemote,
			Active:         true,
		},
		{
			Name:           "Firefox Browser",
			Image:          "selenium/standalone-firefox:latest",
			Description:    "Isolated Firefox session over VNC",
			Category:       "browsers",
			CPULimit:       1.0,
			MemoryLimitMB:  2048,
			StorageLimitGB: 10,
			ConnectionKind: ConnectionBrowserRemote,
			Active:         true,
		},
		{
			Name:           "Ubuntu Terminal",
			Image:          "ubuntu:24.04",
			Description:    "Plain Ubuntu shell for scripting work",
			Category:       "terminals",
			CPULimit:       1.0,
			MemoryLimitMB:  1024,
			StorageLimitGB: 10,
			ConnectionKind: ConnectionTerminalOnly,
			Active:         true,
		},
	}

	for _, img := range defaults {
		_, _ = c.Add(img)
	}
}
