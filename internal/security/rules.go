package security

import "regexp"

// Rule is a static pattern over command text with an associated risk level.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Level       RiskLevel
	Description string
}

// Tool names with dedicated checks.
const (
	ToolExecuteCommand = "execute_command"
	ToolFileOperations = "file_operations"
	ToolManageService  = "manage_service"
)

// baseRisk is the fixed tool → risk table. Tools not listed are medium.
var baseRisk = map[string]RiskLevel{
	"get_system_info":     RiskLow,
	"monitor_processes":   RiskLow,
	"check_logs":          RiskLow,
	"network_diagnostics": RiskMedium,
	"disk_management":     RiskMedium,
	"file_operations":     RiskMedium,
	"manage_service":      RiskHigh,
	"execute_command":     RiskHigh,
}

// BaseRisk returns the table risk for a tool name.
func BaseRisk(tool string) RiskLevel {
	if level, ok := baseRisk[tool]; ok {
		return level
	}
	return RiskMedium
}

// dangerousCommands are literal substrings that always block execute_command.
var dangerousCommands = []string{
	"rm -rf /",
	"dd if=/dev/zero",
	"dd if=/dev/random",
	":(){ :|:& };:",
	"mkfs",
	"format",
	"fdisk",
	"shutdown -h now",
	"reboot",
	"halt",
	"init 0",
	"init 6",
}

var defaultRules = []Rule{
	{
		Name:        "destructive_file_operations",
		Pattern:     regexp.MustCompile(`(?i)rm\s+(-[rf]+|--recursive|--force).*`),
		Level:       RiskHigh,
		Description: "Recursive or forced file deletion",
	},
	{
		Name:        "system_modification",
		Pattern:     regexp.MustCompile(`(?i)(sudo|su)\s+.*`),
		Level:       RiskHigh,
		Description: "Privilege escalation",
	},
	{
		Name:        "network_operations",
		Pattern:     regexp.MustCompile(`(?i)(wget|curl|nc|netcat|ssh|scp|rsync).*`),
		Level:       RiskMedium,
		Description: "Network transfer or remote access",
	},
	{
		Name:        "process_manipulation",
		Pattern:     regexp.MustCompile(`(?i)(kill|killall|pkill)\s+(-9|--kill).*`),
		Level:       RiskMedium,
		Description: "Forced process termination",
	},
	{
		Name:        "disk_operations",
		Pattern:     regexp.MustCompile(`(?i)(mkfs|fdisk|dd|parted|gparted).*`),
		Level:       RiskCritical,
		Description: "Raw disk or partition manipulation",
	},
	{
		Name:        "service_management",
		Pattern:     regexp.MustCompile(`(?i)systemctl\s+(start|stop|restart|disable).*`),
		Level:       RiskMedium,
		Description: "Service state change",
	},
	{
		Name:        "package_management",
		Pattern:     regexp.MustCompile(`(?i)(apt|yum|dnf|pacman|pip)\s+(install|remove|purge).*`),
		Level:       RiskMedium,
		Description: "Package installation or removal",
	},
	{
		Name:        "cron_manipulation",
		Pattern:     regexp.MustCompile(`(?i)crontab\s+(-[er]|--edit|--remove).*`),
		Level:       RiskMedium,
		Description: "Crontab edit or removal",
	},
	{
		Name:        "user_management",
		Pattern:     regexp.MustCompile(`(?i)(useradd|userdel|usermod|passwd|chpasswd).*`),
		Level:       RiskHigh,
		Description: "User account change",
	},
	{
		Name:        "firewall_changes",
		Pattern:     regexp.MustCompile(`(?i)(iptables|ufw|firewall-cmd).*`),
		Level:       RiskHigh,
		Description: "Firewall change",
	},
}

// DefaultRules returns a copy of the built-in rule table.
func DefaultRules() []Rule {
	return append([]Rule(nil), defaultRules...)
}

// injectionPatterns detect chaining, piping, conditional execution and substitution.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;.*`),
	regexp.MustCompile(`\|.*`),
	regexp.MustCompile(`&&.*`),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile("`.*`"),
}

var criticalPaths = []string{
	"/etc", "/boot", "/sys", "/proc", "/dev",
	"/usr/bin", "/usr/sbin", "/bin", "/sbin",
}

var criticalServices = map[string]bool{
	"ssh":              true,
	"sshd":             true,
	"networking":       true,
	"network-manager":  true,
	"systemd-networkd": true,
	"firewall":         true,
	"iptables":         true,
}
