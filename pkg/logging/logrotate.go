package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string, keepDays int) string {
	if keepDays <= 0 {
		keepDays = 14
	}
	return fmt.Sprintf(`# Logrotate configuration for schedopt %[1]s
# Install: sudo cp this file to /etc/logrotate.d/schedopt-%[1]s

%[2]s/%[1]s/*.log {
    daily
    rotate %[3]d
    compress
    delaycompress
    missingok
    notifempty
    create 0644 schedopt schedopt
    # the service keeps its file handle open
    copytruncate
}
`, component, BaseDir, keepDays)
}
