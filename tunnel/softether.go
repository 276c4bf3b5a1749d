package tunnel

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ghaiht95/genmob/config"
	"github.com/hashicorp/go-hclog"
)

const defaultCommandTimeout = 30 * time.Second

type runFunc func(ctx context.Context, args ...string) (string, error)

// SoftEther drives a SoftEther VPN server through its vpncmd command line tool.
type SoftEther struct {
	path          string
	server        string
	adminPassword string
	adminHub      string
	hubPassword   string
	timeout       time.Duration
	logger        hclog.Logger
	run           runFunc
}

func NewSoftEther(cfg config.TunnelConfig, logger hclog.Logger) (*SoftEther, error) {
	if cfg.AdminPassword == "" {
		return nil, fmt.Errorf("softether: admin password not configured")
	}
	if cfg.VpncmdPath == "" {
		return nil, fmt.Errorf("softether: vpncmd path not configured")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	adminHub := cfg.AdminHub
	if adminHub == "" {
		adminHub = "DEFAULT"
	}
	s := &SoftEther{
		path:          cfg.VpncmdPath,
		server:        cfg.ServerIP + ":" + strconv.Itoa(cfg.ServerPort),
		adminPassword: cfg.AdminPassword,
		adminHub:      adminHub,
		hubPassword:   cfg.HubPassword,
		timeout:       timeout,
		logger:        logger,
	}
	s.run = s.exec
	return s, nil
}

// exec runs one vpncmd command in server admin mode with CSV output.
func (s *SoftEther) exec(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = strings.NewReader("")
	err := cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = lastLine(stdout.String())
		}
		return stdout.String(), fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.String(), nil
}

func (s *SoftEther) baseArgs(hub string) []string {
	if hub == "" {
		hub = s.adminHub
	}
	return []string{
		"/SERVER", s.server,
		"/PASSWORD:" + s.adminPassword,
		"/ADMINHUB:" + hub,
		"/CSV",
		"/CMD",
	}
}

func (s *SoftEther) command(ctx context.Context, hub string, cmd ...string) (string, error) {
	args := append(s.baseArgs(hub), cmd...)
	s.logger.Trace("vpncmd", "hub", hub, "cmd", cmd[0])
	out, err := s.run(ctx, args...)
	if err != nil {
		return out, fmt.Errorf("vpncmd %s: %w", cmd[0], err)
	}
	return out, nil
}

func (s *SoftEther) ListHubs(ctx context.Context) ([]string, error) {
	out, err := s.command(ctx, "", "HubList")
	if err != nil {
		return nil, err
	}
	return firstColumn(out)
}

func (s *SoftEther) HubExists(ctx context.Context, hub string) (bool, error) {
	hubs, err := s.ListHubs(ctx)
	if err != nil {
		return false, err
	}
	return contains(hubs, hub), nil
}

func (s *SoftEther) CreateHub(ctx context.Context, hub string) error {
	_, err := s.command(ctx, "", "HubCreate", hub, "/PASSWORD:"+s.hubPassword)
	return err
}

func (s *SoftEther) DeleteHub(ctx context.Context, hub string) error {
	_, err := s.command(ctx, "", "HubDelete", hub)
	return err
}

func (s *SoftEther) listUsers(ctx context.Context, hub string) ([]string, error) {
	out, err := s.command(ctx, hub, "UserList")
	if err != nil {
		return nil, err
	}
	return firstColumn(out)
}

func (s *SoftEther) UserExists(ctx context.Context, hub, user string) (bool, error) {
	users, err := s.listUsers(ctx, hub)
	if err != nil {
		return false, err
	}
	return contains(users, user), nil
}

func (s *SoftEther) CreateUser(ctx context.Context, hub, user, secret string) error {
	exists, err := s.UserExists(ctx, hub, user)
	if err != nil {
		return err
	}
	if !exists {
		_, err = s.command(ctx, hub, "UserCreate", user, "/GROUP:none", "/REALNAME:none", "/NOTE:none")
		if err != nil {
			return err
		}
	}
	_, err = s.command(ctx, hub, "UserPasswordSet", user, "/PASSWORD:"+secret)
	return err
}

func (s *SoftEther) DeleteUser(ctx context.Context, hub, user string) error {
	_, err := s.command(ctx, hub, "UserDelete", user)
	return err
}

// firstColumn returns the first field of every CSV record after the header line.
func firstColumn(out string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	values := make([]string, 0)
	header := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if header {
			header = false
			continue
		}
		values = append(values, strings.TrimSpace(rec[0]))
	}
	return values, nil
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
