// Package node is the main process which handles the lifecycle of
// the runtime services in a validator client process, gracefully shutting
// everything down upon close.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/forgenet/forge/api/ops"
	"github.com/forgenet/forge/config/dynamic"
	"github.com/forgenet/forge/config/features"
	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/crypto/keystore"
	"github.com/forgenet/forge/monitoring/backup"
	"github.com/forgenet/forge/monitoring/prometheus"
	"github.com/forgenet/forge/monitoring/tracing"
	"github.com/forgenet/forge/runtime"
	"github.com/forgenet/forge/runtime/debug"
	"github.com/forgenet/forge/runtime/version"
	"github.com/forgenet/forge/validator/allowance"
	"github.com/forgenet/forge/validator/allowance/prefetch"
	"github.com/forgenet/forge/validator/artifacts"
	"github.com/forgenet/forge/validator/chain"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/facilitator"
	"github.com/forgenet/forge/validator/flags"
	"github.com/forgenet/forge/validator/jobs"
	"github.com/forgenet/forge/validator/metagraph"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/forgenet/forge/validator/receipts/transfer"
	"github.com/forgenet/forge/validator/routing"
	"github.com/manifoldco/promptui"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// ValidatorClient defines an instance of a forge validator that manages
// the entire lifecycle of services attached to it participating in the
// compute subnet.
type ValidatorClient struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *runtime.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.

	db      *kv.Store
	signer  *keys.Keypair
	dynamic *dynamic.Config
	oracle  *prefetch.Cache
	ledger  *allowance.Ledger
	router  *routing.Router
}

// NewValidatorClient creates a new forge validator client.
func NewValidatorClient(cliCtx *cli.Context) (*ValidatorClient, error) {
	if err := tracing.Setup(
		"validator", // service name
		cliCtx.String(flags.TracingProcessNameFlag.Name),
		cliCtx.String(flags.TracingEndpointFlag.Name),
		cliCtx.Float64(flags.TraceSampleFractionFlag.Name),
		cliCtx.Bool(flags.EnableTracingFlag.Name),
	); err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(cliCtx.String(flags.VerbosityFlag.Name))
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	features.ConfigureValidator(cliCtx)

	ctx, cancel := context.WithCancel(context.Background())
	vc := &ValidatorClient{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	if err := vc.initializeDynamicConfig(); err != nil {
		cancel()
		return nil, err
	}
	if err := vc.initializeDB(); err != nil {
		cancel()
		return nil, err
	}
	if err := vc.initializeSigner(); err != nil {
		cancel()
		return nil, err
	}
	if err := vc.initializeTrustedMiner(); err != nil {
		cancel()
		return nil, err
	}
	if err := vc.initializeChain(); err != nil {
		cancel()
		return nil, err
	}

	vc.ledger = allowance.New(&allowance.Config{
		Store:           vc.db,
		ValidatorHotkey: vc.signer.Address(),
	})
	vc.router = routing.New(&routing.Config{
		Store:   vc.db,
		Ledger:  vc.ledger,
		Oracle:  vc.oracle,
		Dynamic: vc.dynamic,
	})

	if !cliCtx.Bool(flags.DisableMonitoringFlag.Name) {
		if err := vc.registerPrometheusService(); err != nil {
			cancel()
			return nil, err
		}
	}
	if err := vc.registerMetagraphService(); err != nil {
		cancel()
		return nil, err
	}
	if err := vc.registerJobServices(); err != nil {
		cancel()
		return nil, err
	}
	if !features.Get().DisableReceiptTransfer {
		if err := vc.registerTransferService(); err != nil {
			cancel()
			return nil, err
		}
	}
	if cliCtx.Bool(flags.EnableOpsAPIFlag.Name) {
		if err := vc.registerOpsService(); err != nil {
			cancel()
			return nil, err
		}
	}

	return vc, nil
}

// Start every service in the validator client.
func (vc *ValidatorClient) Start() {
	vc.lock.Lock()

	log.WithFields(logrus.Fields{
		"version": version.GetVersion(),
		"hotkey":  vc.signer.Address(),
	}).Info("Starting validator node")

	if err := vc.oracle.Start(vc.ctx); err != nil {
		log.WithError(err).Fatal("Could not start prefetch cache")
	}
	vc.services.StartAll()

	stop := vc.stop
	vc.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		debug.Exit(vc.cliCtx) // Ensure trace and CPU profile data are flushed.
		go vc.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic.")
			}
		}
		panic("Panic closing the validator client")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (vc *ValidatorClient) Close() {
	vc.lock.Lock()
	defer vc.lock.Unlock()

	vc.services.StopAll()
	vc.oracle.Stop()
	vc.cancel()
	if err := vc.db.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
	if err := vc.dynamic.Stop(); err != nil {
		log.WithError(err).Error("Could not stop dynamic config watcher")
	}
	log.Info("Stopping forge validator")

	close(vc.stop)
}

func (vc *ValidatorClient) initializeDynamicConfig() error {
	if path := vc.cliCtx.String(flags.DynamicConfigFileFlag.Name); path != "" {
		dyn, err := dynamic.NewFromFile(path)
		if err != nil {
			return errors.Wrap(err, "could not load dynamic config")
		}
		if err := dyn.Watch(); err != nil {
			return errors.Wrap(err, "could not watch dynamic config file")
		}
		vc.dynamic = dyn
		return nil
	}
	vc.dynamic = dynamic.New()
	return nil
}

func (vc *ValidatorClient) initializeDB() error {
	dataDir := vc.cliCtx.String(flags.DataDirFlag.Name)
	if dataDir == "" {
		return errors.New("could not determine your system's HOME path, please specify a --datadir")
	}
	clearFlag := vc.cliCtx.Bool(flags.ClearDB.Name)
	forceClearFlag := vc.cliCtx.Bool(flags.ForceClearDB.Name)
	if clearFlag || forceClearFlag {
		if err := clearDB(vc.ctx, dataDir, forceClearFlag); err != nil {
			return err
		}
	}
	log.WithField("databasePath", dataDir).Info("Checking DB")
	db, err := kv.NewKVStore(vc.ctx, dataDir, nil)
	if err != nil {
		return errors.Wrap(err, "could not open database")
	}
	vc.db = db
	return nil
}

func (vc *ValidatorClient) initializeSigner() error {
	walletDir := vc.cliCtx.String(flags.WalletDirFlag.Name)
	keyPath := filepath.Join(walletDir, params.ForgeNetworkConfig().HotkeyFileName)
	passphrase, err := walletPassphrase(vc.cliCtx)
	if err != nil {
		return err
	}
	kp, err := keystore.LoadKey(keyPath, passphrase)
	if err != nil {
		return errors.Wrapf(err, "could not load hotkey from %s, run `validator keys generate` first", keyPath)
	}
	vc.signer = kp
	return nil
}

// initializeTrustedMiner records the operator's own miner under the trusted
// key so the router can bypass allowance bookkeeping for it.
func (vc *ValidatorClient) initializeTrustedMiner() error {
	address := vc.cliCtx.String(flags.TrustedMinerAddressFlag.Name)
	if address == "" {
		return nil
	}
	return vc.db.SaveMiner(vc.ctx, &kv.Miner{
		Hotkey:  params.ForgeNetworkConfig().TrustedMinerKey,
		Address: address,
		Port:    uint16(vc.cliCtx.Int(flags.TrustedMinerPortFlag.Name)),
	})
}

func (vc *ValidatorClient) initializeChain() error {
	client, err := chain.NewClient(vc.ctx, &chain.Config{
		LiteEndpoint:    vc.cliCtx.String(flags.SubtensorEndpointFlag.Name),
		ArchiveEndpoint: vc.cliCtx.String(flags.ArchiveEndpointFlag.Name),
		ShieldEndpoint:  vc.cliCtx.String(flags.ShieldEndpointFlag.Name),
	})
	if err != nil {
		return errors.Wrap(err, "could not connect to subtensor")
	}
	var backend prefetch.Backend
	if features.Get().EnableSharedPrefetchCache {
		backend = prefetch.NewSharedBackend()
	} else {
		mem, err := prefetch.NewMemoryBackend()
		if err != nil {
			return errors.Wrap(err, "could not size prefetch cache")
		}
		backend = mem
	}
	vc.oracle = prefetch.New(&prefetch.Config{
		Backend: backend,
		Oracle:  client,
	})
	return nil
}

func (vc *ValidatorClient) registerPrometheusService() error {
	var additionalHandlers []prometheus.Handler
	if outputDir := vc.cliCtx.String(flags.BackupWebhookOutputDir.Name); outputDir != "" {
		additionalHandlers = append(additionalHandlers, prometheus.Handler{
			Path:    "/db/backup",
			Handler: backup.Handler(vc.db, outputDir),
		})
	}
	service := prometheus.NewService(
		fmt.Sprintf("%s:%d", vc.cliCtx.String(flags.MonitoringHostFlag.Name), vc.cliCtx.Int(flags.MonitoringPortFlag.Name)),
		vc.services,
		additionalHandlers...,
	)
	logrus.AddHook(prometheus.NewLogrusCollector())
	return vc.services.RegisterService(service)
}

func (vc *ValidatorClient) registerMetagraphService() error {
	return vc.services.RegisterService(metagraph.New(vc.ctx, &metagraph.Config{
		Oracle: vc.oracle,
		Store:  vc.db,
		Ledger: vc.ledger,
	}))
}

func (vc *ValidatorClient) registerJobServices() error {
	registry := artifacts.NewRegistry(nil)
	dispatch := &jobDispatch{}
	facSvc := facilitator.New(&facilitator.Config{
		Endpoint: vc.cliCtx.String(flags.FacilitatorURLFlag.Name),
		Signer:   vc.signer,
		Store:    vc.db,
		Handler:  dispatch,
	})
	dispatch.manager = jobs.NewManager(&jobs.Config{
		Store:   vc.db,
		Router:  vc.router,
		Ledger:  vc.ledger,
		Sink:    facSvc,
		Signer:  vc.signer,
		Dynamic: vc.dynamic,
		Volumes: registry,
	})
	return vc.services.RegisterService(&facilitatorRunner{newRunner(vc.ctx, facSvc.Run)})
}

func (vc *ValidatorClient) registerTransferService() error {
	svc := transfer.New(&transfer.Config{
		Store:   vc.db,
		Dynamic: vc.dynamic,
	})
	return vc.services.RegisterService(&transferRunner{newRunner(vc.ctx, svc.Run)})
}

func (vc *ValidatorClient) registerOpsService() error {
	authTokenPath := vc.cliCtx.String(flags.AuthTokenPathFlag.Name)
	if authTokenPath == "" {
		authTokenPath = filepath.Join(vc.cliCtx.String(flags.WalletDirFlag.Name), flags.AuthTokenFileName)
	}
	svc, err := ops.New(&ops.Config{
		Host:           vc.cliCtx.String(flags.OpsHostFlag.Name),
		Port:           vc.cliCtx.Int(flags.OpsPortFlag.Name),
		AuthTokenPath:  authTokenPath,
		AllowedOrigins: strings.Split(vc.cliCtx.String(flags.OpsAllowedOriginsFlag.Name), ","),
		Store:          vc.db,
		Dynamic:        vc.dynamic,
		Backup:         vc.db,
		BackupDir:      vc.cliCtx.String(flags.BackupWebhookOutputDir.Name),
	})
	if err != nil {
		return errors.Wrap(err, "could not initialize ops API")
	}
	return vc.services.RegisterService(svc)
}

// jobDispatch defers the facilitator-to-manager binding: the facilitator
// needs a handler at construction and the manager needs the facilitator as
// its status sink.
type jobDispatch struct {
	manager *jobs.Manager
}

func (d *jobDispatch) HandleJobRequest(ctx context.Context, req *protocol.V2JobRequest) {
	d.manager.HandleJobRequest(ctx, req)
}

func (d *jobDispatch) HandleJobCheated(ctx context.Context, req *protocol.V0JobCheated) {
	d.manager.HandleJobCheated(ctx, req)
}

func walletPassphrase(cliCtx *cli.Context) (string, error) {
	if path := cliCtx.String(flags.WalletPasswordFileFlag.Name); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return "", errors.Wrap(err, "could not read wallet password file")
		}
		return strings.TrimSpace(string(data)), nil
	}
	prompt := promptui.Prompt{
		Label: "Wallet password",
		Mask:  '*',
	}
	passphrase, err := prompt.Run()
	if err != nil {
		return "", errors.Wrap(err, "could not read wallet password")
	}
	return passphrase, nil
}

func clearDB(ctx context.Context, dataDir string, force bool) error {
	confirmed := force
	if !force {
		prompt := promptui.Prompt{
			Label:     "This will delete the validator database stored in your data directory, including allowance state and receipts. Proceed",
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			log.Info("The database will not be deleted. No changes have been made.")
			return nil
		}
		confirmed = true
	}
	if confirmed {
		valDB, err := kv.NewKVStore(ctx, dataDir, nil)
		if err != nil {
			return errors.Wrapf(err, "could not open DB in dir %s", dataDir)
		}
		log.Warning("Removing database")
		if err := valDB.ClearDB(); err != nil {
			return errors.Wrapf(err, "could not clear DB in dir %s", dataDir)
		}
	}
	return nil
}
