// Package devnet assembles a multi-chain deployment in one process: a ledger
// per configured chain carrying the registry, router, issuer and the three
// connectors, joined by the LayerZero-style packet network and the
// Hyperlane-style mailbox relay.
package devnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"singleid/go-backend/internal/chain"
	"singleid/go-backend/internal/config"
	"singleid/go-backend/internal/connector"
	"singleid/go-backend/internal/eip712"
	"singleid/go-backend/internal/issuer"
	"singleid/go-backend/internal/keys"
	"singleid/go-backend/internal/platform/ratelimiter"
	"singleid/go-backend/internal/protocol"
	"singleid/go-backend/internal/registry"
	"singleid/go-backend/internal/router"
	"singleid/go-backend/internal/transport/lzendpoint"
	"singleid/go-backend/internal/transport/mailbox"
	"singleid/go-backend/internal/waku"
	"singleid/go-backend/pkg/models"
)

var ErrKeysRequired = errors.New("devnet: keyring is required")

type Options struct {
	Config config.Config
	Keys   *keys.Keyring
	// Bus confines mock-transport traffic; nil uses the process-wide bus.
	Bus    *waku.Bus
	Logger *slog.Logger
}

// Accounts are the externally owned accounts the deployment runs with.
type Accounts struct {
	Deployer common.Address
	Admin    common.Address
	Operator common.Address
	Executor common.Address
	Treasury common.Address
}

// Chain is everything deployed on one ledger.
type Chain struct {
	Config    config.ChainConfig
	Ledger    *chain.Chain
	Registry  *registry.Registry
	Router    *router.Router
	Issuer    *issuer.Issuer
	SameChain *connector.SameChain
	LayerZero *connector.LayerZero
	Hyperlane *connector.Hyperlane
	Endpoint  *lzendpoint.Endpoint
	Mailbox   *mailbox.Mailbox
	IGP       *mailbox.InterchainGasPaymaster
	Node      *waku.Node
	Relayer   *mailbox.Relayer

	store registryStore
}

type externalPeer struct {
	config.ExternalPeer
	protocol models.ProtocolID
}

type Devnet struct {
	cfg      config.Config
	accounts Accounts
	operator *Operator
	chains   map[uint64]*Chain
	order    []uint64
	external []externalPeer
	lz       *lzendpoint.Network
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// New deploys and wires every configured chain. On error whatever was
// already opened is closed again.
func New(ctx context.Context, opts Options) (*Devnet, error) {
	if opts.Keys == nil {
		return nil, ErrKeysRequired
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	accounts, opSigner, err := deriveAccounts(opts.Keys)
	if err != nil {
		return nil, err
	}
	limiter := ratelimiter.New(opts.Config.Relay.RatePerSecond, opts.Config.Relay.Burst, opts.Config.Relay.IdleTTL)
	d := &Devnet{
		cfg:      opts.Config,
		accounts: accounts,
		operator: &Operator{signer: opSigner},
		chains:   make(map[uint64]*Chain, len(opts.Config.Chains)),
		lz: lzendpoint.NewNetwork(lzendpoint.NetworkConfig{
			Executor: accounts.Executor,
			Limiter:  limiter,
			Logger:   logger,
		}),
		logger: logger.With("component", "devnet"),
	}
	for _, p := range opts.Config.ExternalPeers {
		proto, err := models.ParseProtocolID(p.Protocol)
		if err != nil {
			return nil, err
		}
		d.external = append(d.external, externalPeer{ExternalPeer: p, protocol: proto})
	}

	for i, cc := range opts.Config.Chains {
		c, err := d.deploy(ctx, i, cc, opts.Bus, logger)
		if err != nil {
			_ = d.Close(context.Background())
			return nil, fmt.Errorf("deploy chain %d: %w", cc.ID, err)
		}
		d.chains[cc.ID] = c
		d.order = append(d.order, cc.ID)
	}
	if err := d.startRelayers(limiter, logger); err != nil {
		_ = d.Close(context.Background())
		return nil, err
	}
	if err := d.wire(ctx); err != nil {
		_ = d.Close(context.Background())
		return nil, err
	}
	for _, p := range d.external {
		d.logger.Info("external peer wired", "chain_id", p.ChainID, "protocol", p.protocol.String(), "native_id", p.NativeID, "peer", p.Peer.Base58())
	}
	d.logger.Info("devnet ready", "chains", len(d.order), "transport", opts.Config.Network.Transport)
	return d, nil
}

func deriveAccounts(ring *keys.Keyring) (Accounts, *eip712.Signer, error) {
	var acc Accounts
	var err error
	if acc.Deployer, err = ring.Address(keys.RoleDeployer, 0); err != nil {
		return Accounts{}, nil, err
	}
	if acc.Admin, err = ring.Address(keys.RoleAdmin, 0); err != nil {
		return Accounts{}, nil, err
	}
	if acc.Executor, err = ring.Address(keys.RoleExecutor, 0); err != nil {
		return Accounts{}, nil, err
	}
	if acc.Treasury, err = ring.Address(keys.RoleTreasury, 0); err != nil {
		return Accounts{}, nil, err
	}
	signer, err := ring.Signer(keys.RoleOperator, 0)
	if err != nil {
		return Accounts{}, nil, err
	}
	acc.Operator = signer.Address()
	return acc, signer, nil
}

func (d *Devnet) deploy(ctx context.Context, index int, cc config.ChainConfig, bus *waku.Bus, logger *slog.Logger) (*Chain, error) {
	logger = logger.With("chain_id", cc.ID)
	ledger := chain.New(cc.ID, cc.Name, logger)
	store, err := openRegistryStore(d.cfg.Store, cc.ID)
	if err != nil {
		return nil, err
	}
	c := &Chain{Config: cc, Ledger: ledger, store: store}

	deployer := d.accounts.Deployer
	registryAddr := ledger.DeployAddress(deployer)
	routerAddr := ledger.DeployAddress(deployer)
	issuerAddr := ledger.DeployAddress(deployer)
	sameAddr := ledger.DeployAddress(deployer)
	lzAddr := ledger.DeployAddress(deployer)
	hlAddr := ledger.DeployAddress(deployer)
	endpointAddr := ledger.DeployAddress(deployer)
	mailboxAddr := ledger.DeployAddress(deployer)
	igpAddr := ledger.DeployAddress(deployer)

	c.Registry, err = registry.New(registry.Config{
		Address:  registryAddr,
		ChainID:  cc.ID,
		Admin:    d.accounts.Admin,
		Operator: d.accounts.Operator,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.Router = router.New(router.Config{
		Address:  routerAddr,
		Operator: d.accounts.Admin,
		Registry: c.Registry,
		Logger:   logger,
	})
	c.Issuer = issuer.New(issuer.Config{
		Address:     issuerAddr,
		Admin:       d.accounts.Admin,
		Operator:    d.accounts.Operator,
		Router:      c.Router,
		ProtocolFee: uint256.NewInt(d.cfg.Fees.ProtocolFee),
		Logger:      logger,
	})

	c.Endpoint = lzendpoint.New(lzendpoint.Config{
		EID:      cc.LzEID,
		Address:  endpointAddr,
		Chain:    ledger,
		Treasury: d.accounts.Treasury,
		BaseFee:  uint256.NewInt(d.cfg.Fees.LzBaseFee),
		GasPrice: uint256.NewInt(d.cfg.Fees.LzGasPrice),
		Logger:   logger,
	})
	if err := d.lz.Attach(c.Endpoint); err != nil {
		_ = store.Close()
		return nil, err
	}

	netCfg := d.cfg.Network
	if netCfg.Transport == waku.TransportGoWaku && netCfg.Port > 0 {
		netCfg.Port += index
	}
	c.Node = waku.NewNodeWithBus(netCfg, bus)
	if err := c.Node.Start(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("start relay node: %w", err)
	}
	c.Mailbox = mailbox.New(mailbox.Config{
		Domain:    cc.HyperlaneDomain,
		Address:   mailboxAddr,
		Chain:     ledger,
		Publisher: c.Node,
		Logger:    logger,
	})
	c.IGP = mailbox.NewInterchainGasPaymaster(igpAddr, d.accounts.Treasury)

	connCfg := func(addr common.Address) connector.Config {
		return connector.Config{
			Address:  addr,
			Admin:    d.accounts.Admin,
			Router:   c.Router,
			SingleID: issuerAddr,
			GasLimit: d.cfg.Fees.GasLimit,
			Logger:   logger,
		}
	}
	c.SameChain = connector.NewSameChain(connCfg(sameAddr))
	c.LayerZero = connector.NewLayerZero(connCfg(lzAddr), c.Endpoint)
	c.Hyperlane = connector.NewHyperlane(connCfg(hlAddr), c.Mailbox, c.IGP)
	c.Endpoint.RegisterReceiver(lzAddr, c.LayerZero)
	c.Mailbox.RegisterRecipient(hlAddr, c.Hyperlane)
	return c, nil
}

// startRelayers gives every mailbox a relayer that only processes messages
// paid for on their origin's gas paymaster.
func (d *Devnet) startRelayers(limiter *ratelimiter.MapLimiter, logger *slog.Logger) error {
	paymasters := make(map[uint32]*mailbox.InterchainGasPaymaster, len(d.chains))
	chainIDs := make(map[uint32]uint64, len(d.chains))
	for _, c := range d.chains {
		paymasters[c.Config.HyperlaneDomain] = c.IGP
		chainIDs[c.Config.HyperlaneDomain] = c.Config.ID
	}
	for _, id := range d.order {
		c := d.chains[id]
		c.Relayer = mailbox.NewRelayer(mailbox.RelayerConfig{
			Node:        c.Node,
			Destination: c.Mailbox,
			Submitter:   d.accounts.Executor,
			Paymasters:  paymasters,
			ChainIDs:    chainIDs,
			Limiter:     limiter,
			Logger:      logger.With("chain_id", id),
		})
		if err := c.Relayer.Start(); err != nil {
			return fmt.Errorf("start relayer for chain %d: %w", id, err)
		}
	}
	return nil
}

// wire runs the admin transactions that connect the deployed contracts:
// registry to router, router to connectors and peers, connectors to their
// remote counterparts, and gas prices for every remote domain.
func (d *Devnet) wire(ctx context.Context) error {
	admin := d.accounts.Admin
	for _, id := range d.order {
		c := d.chains[id]
		remotes := d.remotes(id)

		if err := d.adminTx(ctx, c, c.Registry.Address(), func(call *chain.Call) error {
			return c.Registry.SetRouter(call, c.Router.Address())
		}); err != nil {
			return err
		}

		lzChains, lzPeers := make([]uint64, 0, len(remotes)), make([]models.Bytes32, 0, len(remotes))
		hlChains, hlPeers := make([]uint64, 0, len(remotes)), make([]models.Bytes32, 0, len(remotes))
		for _, r := range remotes {
			lzChains = append(lzChains, r.Config.ID)
			lzPeers = append(lzPeers, models.AddressToBytes32(r.LayerZero.Address()))
			hlChains = append(hlChains, r.Config.ID)
			hlPeers = append(hlPeers, models.AddressToBytes32(r.Hyperlane.Address()))
		}
		for _, p := range d.external {
			switch p.protocol {
			case models.ProtocolLayerZero:
				lzChains = append(lzChains, p.ChainID)
				lzPeers = append(lzPeers, p.Peer)
			case models.ProtocolHyperlane:
				hlChains = append(hlChains, p.ChainID)
				hlPeers = append(hlPeers, p.Peer)
			}
		}
		if err := d.adminTx(ctx, c, c.Router.Address(), func(call *chain.Call) error {
			err := c.Router.SetConnectors(call,
				[]models.ProtocolID{models.ProtocolSameChain, models.ProtocolHyperlane, models.ProtocolLayerZero},
				[]router.Connector{c.SameChain, c.Hyperlane, c.LayerZero},
			)
			if err != nil {
				return err
			}
			if err := c.Router.SetPeers(call, models.ProtocolSameChain, []uint64{id}, []models.Bytes32{c.SameChain.Self()}); err != nil {
				return err
			}
			if err := c.Router.SetPeers(call, models.ProtocolLayerZero, lzChains, lzPeers); err != nil {
				return err
			}
			return c.Router.SetPeers(call, models.ProtocolHyperlane, hlChains, hlPeers)
		}); err != nil {
			return err
		}

		if err := d.adminTx(ctx, c, c.SameChain.Address(), func(call *chain.Call) error {
			return c.SameChain.SetChainIDs(call, []uint32{uint32(id)}, []uint64{id})
		}); err != nil {
			return err
		}

		eids, lzCanon := d.nativeIDs(models.ProtocolLayerZero)
		if err := d.adminTx(ctx, c, c.LayerZero.Address(), func(call *chain.Call) error {
			if err := c.LayerZero.SetChainIDs(call, eids, lzCanon); err != nil {
				return err
			}
			for i, peerChain := range lzChains {
				if err := c.LayerZero.SetPeer(call, peerChain, lzPeers[i]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
		domains, hlCanon := d.nativeIDs(models.ProtocolHyperlane)
		if err := d.adminTx(ctx, c, c.Hyperlane.Address(), func(call *chain.Call) error {
			if err := c.Hyperlane.SetChainIDs(call, domains, hlCanon); err != nil {
				return err
			}
			for i, peerChain := range hlChains {
				if err := c.Hyperlane.SetPeer(call, peerChain, hlPeers[i]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		for _, domain := range domains {
			if domain == c.Config.HyperlaneDomain {
				continue
			}
			c.IGP.SetDestinationGasConfig(domain, mailbox.GasConfig{
				GasPrice: uint256.NewInt(d.cfg.Fees.IGPGasPrice),
				Overhead: d.cfg.Fees.IGPOverhead,
			})
		}
		d.logger.Debug("chain wired", "chain_id", id, "admin", admin.Hex(), "remotes", len(remotes))
	}
	return nil
}

func (d *Devnet) adminTx(ctx context.Context, c *Chain, to common.Address, fn func(*chain.Call) error) error {
	if _, err := c.Ledger.Transact(ctx, d.accounts.Admin, to, nil, fn); err != nil {
		return fmt.Errorf("wire chain %d: %w", c.Config.ID, err)
	}
	return nil
}

func (d *Devnet) remotes(id uint64) []*Chain {
	out := make([]*Chain, 0, len(d.order)-1)
	for _, other := range d.order {
		if other != id {
			out = append(out, d.chains[other])
		}
	}
	return out
}

// nativeIDs lists the transport-native ids of every devnet chain and every
// external peer reached over p, alongside their canonical chain ids.
func (d *Devnet) nativeIDs(p models.ProtocolID) (native []uint32, canon []uint64) {
	for _, id := range d.order {
		cc := d.chains[id].Config
		if p == models.ProtocolLayerZero {
			native = append(native, cc.LzEID)
		} else {
			native = append(native, cc.HyperlaneDomain)
		}
		canon = append(canon, id)
	}
	for _, ext := range d.external {
		if ext.protocol == p {
			native = append(native, ext.NativeID)
			canon = append(canon, ext.ChainID)
		}
	}
	return native, canon
}

// Chain returns the deployment on chainID.
func (d *Devnet) Chain(chainID uint64) (*Chain, error) {
	c, ok := d.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", protocol.ErrUnsupportedChain, chainID)
	}
	return c, nil
}

// Chains lists the deployed chain ids in ascending order.
func (d *Devnet) Chains() []uint64 {
	out := append([]uint64(nil), d.order...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *Devnet) Accounts() Accounts {
	return d.accounts
}

func (d *Devnet) Operator() *Operator {
	return d.operator
}

// Fund mints amount to addr on chainID.
func (d *Devnet) Fund(chainID uint64, addr common.Address, amount *uint256.Int) error {
	c, err := d.Chain(chainID)
	if err != nil {
		return err
	}
	return c.Ledger.Mint(addr, amount)
}
