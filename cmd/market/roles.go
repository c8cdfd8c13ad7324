package main

import (
	"context"
	"encoding/json"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/api"
	"github.com/Galeaf11/sdk/chain"
	"github.com/Galeaf11/sdk/client"
	"github.com/Galeaf11/sdk/config"
	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/node"
	"github.com/Galeaf11/sdk/registry"
	"github.com/Galeaf11/sdk/server"
)

//Query and Options are left opaque by the command line roles
type (
	Query   = map[string]interface{}
	Options = map[string]interface{}
)

var (
	offerPrice string
	offerAsset string

	requestTopic  string
	requestQuery  string
	requestExpire string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a coordination server",
	RunE:  runServer,
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a supplier node",
	RunE:  runNode,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run a buyer client",
	RunE:  runClient,
}

var pingCmd = &cobra.Command{
	Use:   "ping <api address>",
	Short: "Ping the api of a running participant",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

func init() {
	nodeCmd.Flags().StringVar(&offerPrice, "price", "", "answer every request with an offer at this price (wei)")
	nodeCmd.Flags().StringVar(&offerAsset, "asset", "", "asset address of the automatic offers")

	clientCmd.Flags().StringVar(&requestTopic, "topic", "", "publish a request on this topic once started")
	clientCmd.Flags().StringVar(&requestQuery, "query", "{}", "JSON query of the published request")
	clientCmd.Flags().StringVar(&requestExpire, "expire", "1h", "expiration of the published request (30s, 15m, 1h, 2d or epoch)")
}

//setup loads the config, builds the logger and the shared stack
func setup(ctx context.Context, isClient bool) (*config.Config, *zap.Logger, *stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := newStack(ctx, logger, cfg, isClient)
	if err != nil {
		logger.Error("failed building stack", zap.Error(err))
		return nil, nil, nil, err
	}
	return cfg, logger, s, nil
}

func waitForSignal(ctx context.Context, logger *zap.Logger) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down...")
}

func runServer(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, logger, s, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	srv, err := server.New(logger, s.overlay, server.Options{Topics: cfg.Server.Topics})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	if err := s.serveAPI(api.NewCacheBackend(s.overlay)); err != nil {
		return err
	}

	waitForSignal(ctx, logger)
	return nil
}

//newContracts is the chain every role runs against, with the configured
//suppliers registered
func newContracts(logger *zap.Logger, cfg *config.Config) *chain.Simulated {
	contracts := chain.NewSimulated(logger, nil)
	for id, signer := range cfg.Chain.Suppliers {
		contracts.RegisterSupplier(common.HexToHash(id), common.HexToAddress(signer))
	}
	return contracts
}

//---------------------------<NODE>

func loadSigner(logger *zap.Logger, hexKey string) (*messages.KeySigner, error) {
	if hexKey != "" {
		return messages.KeySignerFromHex(hexKey)
	}
	signer, err := messages.GenerateKeySigner()
	if err != nil {
		return nil, err
	}
	logger.Warn("no signer key configured, using an ephemeral one", zap.String("address", signer.Address().Hex()))
	return signer, nil
}

//autoOffer answers every request with a single fixed price option
func autoOffer(logger *zap.Logger, price *big.Int, asset common.Address) node.RequestHandler[Query, Options] {
	return func(ctx context.Context, n *node.Node[Query, Options], rec registry.RequestRecord[Query, Options]) {
		paymentID := messages.RandomSalt()
		_, err := n.MakeOffer(ctx, node.OfferRequest[Options]{
			RequestID: rec.Data.ID,
			Options:   Options{},
			Payment:   []entities.PaymentOption{{ID: paymentID, Asset: asset, Price: price}},
		})
		if err != nil {
			logger.Warn("failed making offer", zap.String("request", rec.Data.ID.Hex()), zap.Error(err))
		}
	}
}

func runNode(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, logger, s, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	signer, err := loadSigner(logger, cfg.Node.SignerKey)
	if err != nil {
		return err
	}
	supplierID := common.HexToHash(cfg.Node.SupplierID)

	contracts := newContracts(logger, cfg)
	contracts.RegisterSupplier(supplierID, signer.Address())

	opts := node.Options[Query, Options]{
		Topics:        cfg.Node.Topics,
		NoncePeriod:   cfg.Node.NoncePeriod.Duration,
		SupplierID:    supplierID,
		Domain:        cfg.Chain.Domain(),
		Signer:        signer,
		OfferExpire:   cfg.Node.OfferExpire.Duration,
		ClaimInterval: cfg.Node.ClaimInterval.Duration,
		OnTx: func(txHash common.Hash, action string) {
			logger.Info("tx submitted", zap.String("action", action), zap.String("tx", txHash.Hex()))
		},
	}
	if offerPrice != "" {
		price, ok := new(big.Int).SetString(offerPrice, 10)
		if !ok {
			return errors.Errorf("invalid price %q", offerPrice)
		}
		opts.OnRequest = autoOffer(logger, price, common.HexToAddress(offerAsset))
	}

	n, err := node.New[Query, Options](logger, s.overlay, contracts, opts)
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer n.Stop()

	if err := s.serveAPI(api.NewRequestsBackend("node", n.Requests().Requests)); err != nil {
		return err
	}

	waitForSignal(ctx, logger)
	return nil
}

//---------------------------</NODE>
//---------------------------<CLIENT>

func runClient(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, logger, s, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := client.New[Query, Options](logger, s.overlay, newContracts(logger, cfg), client.Options{
		Domain:          cfg.Chain.Domain(),
		Buyer:           common.HexToAddress(cfg.Client.Buyer),
		Storage:         s.store,
		RefreshInterval: cfg.Client.RefreshInterval.Duration,
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop()

	if requestTopic != "" {
		if err := publishRequest(ctx, c); err != nil {
			return err
		}
	}

	if err := s.serveAPI(api.NewRequestsBackend("client", c.Requests().Requests)); err != nil {
		return err
	}

	waitForSignal(ctx, logger)
	return nil
}

func publishRequest(ctx context.Context, c *client.Client[Query, Options]) error {
	var q Query
	if err := json.Unmarshal([]byte(requestQuery), &q); err != nil {
		return errors.Wrap(err, "parsing request query")
	}
	expire, err := messages.ParseExpiry(requestExpire)
	if err != nil {
		return err
	}

	req, err := messages.BuildRequest(messages.RequestParams[Query]{
		Topic:  requestTopic,
		Query:  q,
		Expire: expire,
		Nonce:  time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}
	return c.Publish(ctx, req)
}

//---------------------------</CLIENT>

func runPing(cmd *cobra.Command, args []string) error {
	c, conn, err := api.Dial(args[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	pong, err := c.Ping(ctx)
	if err != nil {
		return errors.Wrap(err, "pinging api")
	}
	return json.NewEncoder(os.Stdout).Encode(pong)
}
