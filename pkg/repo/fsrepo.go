package repo

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dss "github.com/ipfs/go-datastore/sync"
	badgerds "github.com/ipfs/go-ds-badger2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/filecoin-project/venus-core/pkg/config"
	"github.com/filecoin-project/venus-core/pkg/util/blockstoreutil"
)

var log = logging.Logger("repo")

const configFilename = "config.toml"
const versionFilename = "version"

var (
	blocksNamespace = datastore.NewKey("/blocks")
	chainNamespace  = datastore.NewKey("/chain")
)

// NoRepoError is returned when trying to open a repo where one does not exist
type NoRepoError struct {
	Path string
}

func (err NoRepoError) Error() string {
	return fmt.Sprintf("no repo found in %s", err.Path)
}

// FSRepo is a repo implementation backed by a filesystem.
type FSRepo struct {
	path    string
	version uint

	cfg *config.Config

	// root is the single datastore both namespaces live in.
	root  Datastore
	bs    blockstoreutil.Blockstore
	chain Datastore
}

var _ Repo = (*FSRepo)(nil)

// InitFSRepo initializes an fsrepo at the given path using the given configuration
func InitFSRepo(p string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if err := checkWritable(p); err != nil {
		return err
	}
	if err := initVersion(p, Version); err != nil {
		return err
	}
	return initConfig(p, cfg)
}

// OpenFSRepo opens an already initialized fsrepo at the given path
func OpenFSRepo(p string) (*FSRepo, error) {
	r := &FSRepo{path: p}

	isInit, err := r.isInitialized()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check if repo was initialized")
	}
	if !isInit {
		return nil, &NoRepoError{p}
	}

	localVersion, err := r.loadVersion()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load version")
	}
	if localVersion != Version {
		return nil, fmt.Errorf("invalid repo version, got %d expected %d", localVersion, Version)
	}
	r.version = localVersion

	if err := r.loadConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to load config file")
	}

	if err := r.openDatastore(); err != nil {
		return nil, errors.Wrap(err, "failed to open datastore")
	}

	return r, nil
}

// Config returns the configuration object.
func (r *FSRepo) Config() *config.Config {
	return r.cfg
}

// Datastore returns the blockstore.
func (r *FSRepo) Datastore() blockstoreutil.Blockstore {
	return r.bs
}

// ChainDatastore returns the chain metadata datastore.
func (r *FSRepo) ChainDatastore() Datastore {
	return r.chain
}

// Version returns the version of the repo
func (r *FSRepo) Version() uint {
	return r.version
}

// Path returns the path the fsrepo is at
func (r *FSRepo) Path() (string, error) {
	return r.path, nil
}

// Close closes the datastore.
func (r *FSRepo) Close() error {
	if r.root == nil {
		return nil
	}
	return r.root.Close()
}

func (r *FSRepo) isInitialized() (bool, error) {
	configPath := filepath.Join(r.path, configFilename)

	_, err := os.Lstat(configPath)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err == nil:
		return true, nil
	default:
		return false, err
	}
}

func (r *FSRepo) loadConfig() error {
	cfg, err := config.ReadFile(filepath.Join(r.path, configFilename))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

func (r *FSRepo) loadVersion() (uint, error) {
	file, err := ioutil.ReadFile(filepath.Join(r.path, versionFilename))
	if err != nil {
		return 0, err
	}

	version, err := strconv.Atoi(strings.Trim(string(file), "\n"))
	if err != nil {
		return 0, err
	}

	return uint(version), nil
}

func (r *FSRepo) openDatastore() error {
	switch r.cfg.Datastore.Type {
	case config.DatastoreBadger:
		path := r.cfg.Datastore.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.path, path)
		}
		ds, err := badgerds.NewDatastore(path, &badgerds.DefaultOptions)
		if err != nil {
			return err
		}
		r.root = ds
	case config.DatastoreMemory:
		r.root = dss.MutexWrap(datastore.NewMapDatastore())
	default:
		return fmt.Errorf("unknown datastore type in config: %s", r.cfg.Datastore.Type)
	}
	log.Infof("opened %s datastore at %s", r.cfg.Datastore.Type, r.path)

	r.bs = blockstoreutil.NewBlockstore(namespace.Wrap(r.root, blocksNamespace))
	r.chain = namespace.Wrap(r.root, chainNamespace)
	return nil
}

func initVersion(p string, version uint) error {
	return ioutil.WriteFile(filepath.Join(p, versionFilename), []byte(strconv.Itoa(int(version))), 0644)
}

func initConfig(p string, cfg *config.Config) error {
	configFile := filepath.Join(p, configFilename)
	if fileExists(configFile) {
		return fmt.Errorf("file already exists: %s", configFile)
	}

	return cfg.WriteFile(configFile)
}

func checkWritable(dir string) error {
	_, err := os.Stat(dir)
	if err == nil {
		return nil
	}

	if os.IsNotExist(err) {
		// dir doesnt exist, check that we can create it
		return os.Mkdir(dir, 0775)
	}

	if os.IsPermission(err) {
		return errors.Wrapf(err, "cannot write to %s, incorrect permissions", dir)
	}

	return err
}

func fileExists(file string) bool {
	_, err := os.Stat(file)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil
}
