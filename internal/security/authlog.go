package security

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/argus/internal/event"
)

const (
	// SEC-01 sliding windows over ssh auth failures per source IP.
	bruteWarnWindow    = time.Minute
	bruteCritWindow    = 2 * time.Minute
	bruteCritThreshold = 3

	// SEC-02: a success counts as suspicious when it follows this many
	// failures inside the window; the incident stays visible for the hold.
	successFailWindow    = 2 * time.Minute
	successFailThreshold = 3
	successHold          = 10 * time.Minute

	// SEC-03 sudo auth failure windows.
	sudoFailWarnThreshold = 2
	sudoFailCritThreshold = 4
)

var (
	reFailed = regexp.MustCompile(
		`(?i)Failed (?:password|publickey) for (?:invalid user )?(\S+) from ([0-9a-fA-F:.]+) port`)
	reInvalid = regexp.MustCompile(
		`(?i)Invalid user (\S+) from ([0-9a-fA-F:.]+) port`)
	// The PAM line does not always carry user=.
	rePAMFail = regexp.MustCompile(
		`(?i)authentication failure;.*rhost=([0-9a-fA-F:.]+)(?:\s+user=(\S+))?`)
	reAccepted = regexp.MustCompile(
		`(?i)Accepted (?:password|publickey) for (?:invalid user )?(\S+) from ([0-9a-fA-F:.]+) port`)

	// sudo: antonio : TTY=pts/0 ; PWD=/home/antonio ; USER=root ; COMMAND=/usr/bin/apt update
	reSudoCmd = regexp.MustCompile(
		`(?i)sudo:\s+(\S+)\s*:\s+TTY=([^;]+)\s*;\s+PWD=([^;]+)\s*;\s+USER=([^;]+)\s*;\s+COMMAND=(.+)$`)
	reSudoAuthFail = regexp.MustCompile(`(?i)sudo: pam_unix\(sudo:auth\): authentication failure`)
)

// High-risk sudo commands: credential stores, ssh surface, firewall teardown,
// log tampering, curl-pipe-shell.
var sudoCritPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)/etc/sudoers(\b|\.d/)`),
	regexp.MustCompile(`(?i)/etc/(passwd|shadow|group|gshadow)\b`),
	regexp.MustCompile(`(?i)\b(useradd|adduser|usermod)\b`),
	regexp.MustCompile(`(?i)\bpasswd\b`),
	regexp.MustCompile(`(?i)\bvisudo\b`),
	regexp.MustCompile(`(?i)/etc/ssh/sshd_config\b`),
	regexp.MustCompile(`(?i)authorized_keys\b`),
	regexp.MustCompile(`(?i)\bufw\s+disable\b`),
	regexp.MustCompile(`(?i)\biptables\b.*\s-F\b`),
	regexp.MustCompile(`(?i)\bjournalctl\b.*--vacuum`),
	regexp.MustCompile(`(?i)\btruncate\b.*(/var/log|auth\.log|syslog)`),
	regexp.MustCompile(`(?i)\brm\b.*(/var/log|auth\.log|syslog)`),
	regexp.MustCompile(`(?i)\bcurl\b.*\|\s*(sh|bash)`),
	regexp.MustCompile(`(?i)\bwget\b.*\|\s*(sh|bash)`),
}

var sudoWarnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(bash|sh|zsh)\b`),
	regexp.MustCompile(`(?i)\bsu\b`),
	regexp.MustCompile(`(?i)\bdpkg\b`),
	regexp.MustCompile(`(?i)\bsystemctl\s+(stop|disable)\b`),
	regexp.MustCompile(`(?i)\bchmod\b.*\s/(etc|usr|var)\b`),
	regexp.MustCompile(`(?i)\bchown\b.*\s/(etc|usr|var)\b`),
}

// ClassifySudoCommand rates the risk of one sudo command line.
func ClassifySudoCommand(cmd string) event.Severity {
	for _, p := range sudoCritPatterns {
		if p.MatchString(cmd) {
			return event.SeverityCritical
		}
	}
	for _, p := range sudoWarnPatterns {
		if p.MatchString(cmd) {
			return event.SeverityWarning
		}
	}
	return event.SeverityInfo
}

// LineSource hands over log lines buffered since the previous call.
type LineSource interface {
	TakeLines() []string
}

type successIncident struct {
	user     string
	ip       string
	failures int
	until    time.Time
}

type sudoIncident struct {
	user     string
	runas    string
	command  string
	tty, pwd string
	severity event.Severity
	until    time.Time
}

// AuthLogDetector analyzes ssh and sudo activity from the auth log. One
// detector owns the tail so the three rule families share a single pass over
// each line. Ongoing conditions are re-reported every probe while their
// window holds; the pipeline turns repeats into silent updates and resolves
// them once the window drains.
type AuthLogDetector struct {
	source LineSource
	nowFn  func() time.Time

	sshFailures map[string][]time.Time // SEC-01, per source IP
	lastUser    map[string]string

	successes map[string]*successIncident // SEC-02, per ip|user

	sudoCmds  map[string]*sudoIncident // SEC-03 command executions
	sudoFails []time.Time              // SEC-03 local auth failures
}

func NewAuthLogDetector(source LineSource) *AuthLogDetector {
	return &AuthLogDetector{
		source:      source,
		nowFn:       time.Now,
		sshFailures: make(map[string][]time.Time),
		lastUser:    make(map[string]string),
		successes:   make(map[string]*successIncident),
		sudoCmds:    make(map[string]*sudoIncident),
	}
}

func (d *AuthLogDetector) ID() string { return "sec-authlog" }

func (d *AuthLogDetector) Probe(ctx context.Context) ([]event.Finding, error) {
	now := d.nowFn()
	for _, line := range d.source.TakeLines() {
		d.handleLine(line, now)
	}

	var findings []event.Finding
	findings = append(findings, d.bruteForceFindings(now)...)
	findings = append(findings, d.successFindings(now)...)
	findings = append(findings, d.sudoFindings(now)...)
	return findings, nil
}

func (d *AuthLogDetector) handleLine(line string, now time.Time) {
	if ip, user, ok := parseSSHSuccess(line); ok {
		d.noteSuccess(ip, user, now)
		return
	}
	if ip, user, ok := parseSSHFailure(line); ok {
		d.sshFailures[ip] = append(pruneTimes(d.sshFailures[ip], now, bruteCritWindow), now)
		d.lastUser[ip] = user
		return
	}
	if reSudoAuthFail.MatchString(line) {
		d.sudoFails = append(pruneTimes(d.sudoFails, now, bruteCritWindow), now)
		return
	}
	if m := reSudoCmd.FindStringSubmatch(line); m != nil {
		d.noteSudoCommand(m, now)
	}
}

func parseSSHFailure(line string) (ip, user string, ok bool) {
	if m := reFailed.FindStringSubmatch(line); m != nil {
		return m[2], m[1], true
	}
	if m := reInvalid.FindStringSubmatch(line); m != nil {
		return m[2], m[1], true
	}
	if m := rePAMFail.FindStringSubmatch(line); m != nil {
		user := m[2]
		if user == "" {
			user = "unknown"
		}
		return m[1], user, true
	}
	return "", "", false
}

func parseSSHSuccess(line string) (ip, user string, ok bool) {
	if m := reAccepted.FindStringSubmatch(line); m != nil {
		return m[2], m[1], true
	}
	return "", "", false
}

func (d *AuthLogDetector) noteSuccess(ip, user string, now time.Time) {
	fails := pruneTimes(d.sshFailures[ip], now, successFailWindow)
	d.sshFailures[ip] = fails
	if len(fails) < successFailThreshold {
		return
	}
	d.successes[ip+"|"+user] = &successIncident{
		user:     user,
		ip:       ip,
		failures: len(fails),
		until:    now.Add(successHold),
	}
}

func (d *AuthLogDetector) noteSudoCommand(m []string, now time.Time) {
	user := m[1]
	tty := strings.TrimSpace(m[2])
	pwd := strings.TrimSpace(m[3])
	runas := strings.TrimSpace(m[4])
	cmd := strings.Join(strings.Fields(m[5]), " ")
	if len(cmd) > 200 {
		cmd = cmd[:200]
	}

	sev := ClassifySudoCommand(cmd)
	key := user + "|" + runas + "|" + cmd
	d.sudoCmds[key] = &sudoIncident{
		user:     user,
		runas:    runas,
		command:  cmd,
		tty:      tty,
		pwd:      pwd,
		severity: sev,
		until:    now.Add(sudoHoldFor(sev)),
	}
}

// sudoHoldFor keeps riskier commands visible longer.
func sudoHoldFor(sev event.Severity) time.Duration {
	switch sev {
	case event.SeverityCritical:
		return 2 * time.Minute
	case event.SeverityWarning:
		return time.Minute
	default:
		return 30 * time.Second
	}
}

func (d *AuthLogDetector) bruteForceFindings(now time.Time) []event.Finding {
	var out []event.Finding
	for ip, times := range d.sshFailures {
		times = pruneTimes(times, now, bruteCritWindow)
		if len(times) == 0 {
			delete(d.sshFailures, ip)
			delete(d.lastUser, ip)
			continue
		}
		d.sshFailures[ip] = times

		in1m := 0
		for _, t := range times {
			if now.Sub(t) <= bruteWarnWindow {
				in1m++
			}
		}

		var sev event.Severity
		var summary string
		user := d.lastUser[ip]
		switch {
		case len(times) >= bruteCritThreshold:
			sev = event.SeverityCritical
			summary = fmt.Sprintf("Suspected SSH brute force from %s: %d failures in 2 minutes (user=%s)", ip, len(times), user)
		case in1m >= 1:
			sev = event.SeverityWarning
			summary = fmt.Sprintf("Failed SSH attempt from %s: %d failures in the last minute (user=%s)", ip, in1m, user)
		default:
			continue
		}

		isLAN := ipIsLAN(ip)
		if isLAN {
			summary += " [LAN]"
		}
		out = append(out, event.Finding{
			Code:     "SEC-01",
			Severity: downgradeForLAN(sev, isLAN),
			Summary:  summary,
			Evidence: map[string]string{
				"ip":       ip,
				"user":     user,
				"failures": strconv.Itoa(len(times)),
			},
			ObservedAt: now,
		})
	}
	return out
}

func (d *AuthLogDetector) successFindings(now time.Time) []event.Finding {
	var out []event.Finding
	for key, inc := range d.successes {
		if now.After(inc.until) {
			delete(d.successes, key)
			continue
		}
		isLAN := ipIsLAN(inc.ip)
		summary := fmt.Sprintf("SSH login succeeded after %d failed attempts from %s (user=%s)", inc.failures, inc.ip, inc.user)
		if isLAN {
			summary += " [LAN]"
		}
		out = append(out, event.Finding{
			Code:     "SEC-02",
			Severity: downgradeForLAN(event.SeverityCritical, isLAN),
			Summary:  summary,
			Evidence: map[string]string{
				"ip":       inc.ip,
				"user":     inc.user,
				"failures": strconv.Itoa(inc.failures),
			},
			ObservedAt: now,
		})
	}
	return out
}

func (d *AuthLogDetector) sudoFindings(now time.Time) []event.Finding {
	var out []event.Finding

	d.sudoFails = pruneTimes(d.sudoFails, now, bruteCritWindow)
	in1m := 0
	for _, t := range d.sudoFails {
		if now.Sub(t) <= bruteWarnWindow {
			in1m++
		}
	}
	var failSev event.Severity
	switch {
	case len(d.sudoFails) >= sudoFailCritThreshold:
		failSev = event.SeverityCritical
	case in1m >= sudoFailWarnThreshold:
		failSev = event.SeverityWarning
	}
	if failSev != "" {
		out = append(out, event.Finding{
			Code:     "SEC-03",
			Severity: failSev,
			Summary: fmt.Sprintf("Repeated sudo auth failures: %d in 1m, %d in 2m (possible local password guessing)",
				in1m, len(d.sudoFails)),
			Evidence: map[string]string{
				"user":    "local",
				"runas":   "root",
				"command": "sudo-auth-failure",
			},
			ObservedAt: now,
		})
	}

	for key, inc := range d.sudoCmds {
		if now.After(inc.until) {
			delete(d.sudoCmds, key)
			continue
		}
		short := inc.command
		if len(short) > 120 {
			short = short[:117] + "..."
		}
		out = append(out, event.Finding{
			Code:     "SEC-03",
			Severity: inc.severity,
			Summary:  fmt.Sprintf("Sudo command: %s (runas=%s, pwd=%s, tty=%s)", short, inc.runas, inc.pwd, inc.tty),
			Evidence: map[string]string{
				"user":    inc.user,
				"runas":   inc.runas,
				"command": inc.command,
				"tty":     inc.tty,
				"pwd":     inc.pwd,
			},
			ObservedAt: now,
		})
	}
	return out
}

func pruneTimes(times []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) > window {
		i++
	}
	return times[i:]
}
