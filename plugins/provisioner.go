package plugins

import (
	"context"
	"errors"
	"net/rpc"
	"sync"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/tunnel"
	"github.com/hashicorp/go-plugin"
)

/*
The tunnel provisioner can run in a separate process, so a crashing or hanging vpncmd does not take the coordinator
down with it. The plugin speaks go-plugin's net/rpc protocol.
*/

// Handshake is a common handshake that is shared by plugin and host.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "GENMOB_PROVISIONER_PLUGIN",
	MagicCookieValue: "5f0c1a7d2b9e4e6c8a3d1f0b7c2e9a4d6b8f1c3e5a7d9b0c2e4f6a8b1d3c5e7f",
}

const ProvisionerPluginName = "provisioner"

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	ProvisionerPluginName: &ProvisionerPlugin{},
}

// Factory builds the provisioner in the plugin process from the tunnel configuration the host sends with Configure.
type Factory func(config.TunnelConfig) (tunnel.Provisioner, error)

var errNotConfigured = errors.New("provisioner plugin is not configured")

// ProvisionerPlugin implements plugin.Plugin for a tunnel.Provisioner. Impl or Factory are only set on the plugin
// side; with a Factory the provisioner is built on the first Configure call.
type ProvisionerPlugin struct {
	Impl    tunnel.Provisioner
	Factory Factory
}

func (p *ProvisionerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl, Factory: p.Factory}, nil
}

func (ProvisionerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

type HubArgs struct {
	Hub string
}

type UserArgs struct {
	Hub    string
	User   string
	Secret string
}

// RPCServer runs in the plugin process and forwards the calls to the real provisioner.
type RPCServer struct {
	Impl    tunnel.Provisioner
	Factory Factory

	mu sync.RWMutex
}

// Configure (re)builds the provisioner from cfg. Without a Factory the fixed Impl is kept.
func (s *RPCServer) Configure(cfg config.TunnelConfig, done *bool) error {
	*done = true
	if s.Factory == nil {
		return nil
	}
	impl, err := s.Factory(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Impl = impl
	s.mu.Unlock()
	return nil
}

func (s *RPCServer) impl() (tunnel.Provisioner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Impl == nil {
		return nil, errNotConfigured
	}
	return s.Impl, nil
}

func (s *RPCServer) HubExists(args HubArgs, resp *bool) error {
	impl, err := s.impl()
	if err != nil {
		return err
	}
	exists, err := impl.HubExists(context.Background(), args.Hub)
	*resp = exists
	return err
}

func (s *RPCServer) CreateHub(args HubArgs, done *bool) error {
	*done = true
	impl, err := s.impl()
	if err != nil {
		return err
	}
	return impl.CreateHub(context.Background(), args.Hub)
}

func (s *RPCServer) DeleteHub(args HubArgs, done *bool) error {
	*done = true
	impl, err := s.impl()
	if err != nil {
		return err
	}
	return impl.DeleteHub(context.Background(), args.Hub)
}

func (s *RPCServer) UserExists(args UserArgs, resp *bool) error {
	impl, err := s.impl()
	if err != nil {
		return err
	}
	exists, err := impl.UserExists(context.Background(), args.Hub, args.User)
	*resp = exists
	return err
}

func (s *RPCServer) CreateUser(args UserArgs, done *bool) error {
	*done = true
	impl, err := s.impl()
	if err != nil {
		return err
	}
	return impl.CreateUser(context.Background(), args.Hub, args.User, args.Secret)
}

func (s *RPCServer) DeleteUser(args UserArgs, done *bool) error {
	*done = true
	impl, err := s.impl()
	if err != nil {
		return err
	}
	return impl.DeleteUser(context.Background(), args.Hub, args.User)
}

func (s *RPCServer) ListHubs(_ HubArgs, resp *[]string) error {
	impl, err := s.impl()
	if err != nil {
		return err
	}
	hubs, err := impl.ListHubs(context.Background())
	*resp = hubs
	return err
}

// RPCClient is the host side of the plugin, it implements tunnel.Provisioner.
type RPCClient struct {
	client *rpc.Client
}

var _ tunnel.Provisioner = &RPCClient{}

// call gives up waiting when ctx is done; the plugin side keeps running the command.
func (c *RPCClient) call(ctx context.Context, method string, args interface{}, reply interface{}) error {
	call := c.client.Go("Plugin."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return res.Error
	}
}

// Configure sends the tunnel configuration to the plugin, which sets up its provisioner from it.
func (c *RPCClient) Configure(ctx context.Context, cfg config.TunnelConfig) error {
	return c.call(ctx, "Configure", cfg, new(bool))
}

func (c *RPCClient) HubExists(ctx context.Context, hub string) (bool, error) {
	var exists bool
	err := c.call(ctx, "HubExists", HubArgs{Hub: hub}, &exists)
	return exists, err
}

func (c *RPCClient) CreateHub(ctx context.Context, hub string) error {
	return c.call(ctx, "CreateHub", HubArgs{Hub: hub}, new(bool))
}

func (c *RPCClient) DeleteHub(ctx context.Context, hub string) error {
	return c.call(ctx, "DeleteHub", HubArgs{Hub: hub}, new(bool))
}

func (c *RPCClient) UserExists(ctx context.Context, hub, user string) (bool, error) {
	var exists bool
	err := c.call(ctx, "UserExists", UserArgs{Hub: hub, User: user}, &exists)
	return exists, err
}

func (c *RPCClient) CreateUser(ctx context.Context, hub, user, secret string) error {
	return c.call(ctx, "CreateUser", UserArgs{Hub: hub, User: user, Secret: secret}, new(bool))
}

func (c *RPCClient) DeleteUser(ctx context.Context, hub, user string) error {
	return c.call(ctx, "DeleteUser", UserArgs{Hub: hub, User: user}, new(bool))
}

func (c *RPCClient) ListHubs(ctx context.Context) ([]string, error) {
	hubs := make([]string, 0)
	err := c.call(ctx, "ListHubs", HubArgs{}, &hubs)
	return hubs, err
}
