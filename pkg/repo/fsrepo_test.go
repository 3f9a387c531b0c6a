package repo

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/venus-core/pkg/config"
	tf "github.com/filecoin-project/venus-core/pkg/testhelpers/testflags"
)

func TestFSRepoInit(t *testing.T) {
	tf.UnitTest(t)

	dir := t.TempDir()
	require.NoError(t, InitFSRepo(dir, config.NewDefaultConfig()))

	content, err := ioutil.ReadFile(filepath.Join(dir, configFilename))
	require.NoError(t, err)
	assert.Contains(t, string(content), `type = "badgerds"`)

	version, err := ioutil.ReadFile(filepath.Join(dir, versionFilename))
	require.NoError(t, err)
	assert.Equal(t, "1", string(version))

	assert.Error(t, InitFSRepo(dir, config.NewDefaultConfig()), "config already exists")
}

func TestFSRepoOpenMissing(t *testing.T) {
	tf.UnitTest(t)

	_, err := OpenFSRepo(filepath.Join(t.TempDir(), "nothing"))
	require.Error(t, err)
	assert.IsType(t, &NoRepoError{}, err)
}

func TestFSRepoPersistsAcrossOpens(t *testing.T) {
	tf.IntegrationTest(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, InitFSRepo(dir, config.NewDefaultConfig()))

	r, err := OpenFSRepo(dir)
	require.NoError(t, err)

	blk := blocks.NewBlock([]byte("persisted"))
	require.NoError(t, r.Datastore().Put(ctx, blk))
	require.NoError(t, r.ChainDatastore().Put(ctx, datastore.NewKey("/head"), []byte("tsk")))
	require.NoError(t, r.Close())

	r, err = OpenFSRepo(dir)
	require.NoError(t, err)
	defer r.Close() // nolint: errcheck

	got, err := r.Datastore().Get(ctx, blk.Cid())
	require.NoError(t, err)
	assert.Equal(t, blk.RawData(), got.RawData())

	head, err := r.ChainDatastore().Get(ctx, datastore.NewKey("/head"))
	require.NoError(t, err)
	assert.Equal(t, []byte("tsk"), head)
}

func TestMemRepo(t *testing.T) {
	tf.UnitTest(t)

	r := NewInMemoryRepo()
	assert.Equal(t, config.DatastoreMemory, r.Config().Datastore.Type)
	assert.Equal(t, Version, r.Version())
	assert.NoError(t, r.Close())
}
