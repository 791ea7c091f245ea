package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/db"
)

const testAddr = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

func TestLoadConfigDefaults(t *testing.T) {
	c := qt.New(t)
	cfg, err := loadConfig([]string{"--env", filepath.Join(t.TempDir(), "missing.env")})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Mode, qt.Equals, api.ModePO)
	c.Assert(cfg.API.Port, qt.Equals, defaultAPIPort)
	c.Assert(cfg.DB.Type, qt.Equals, db.TypePebble)
	c.Assert(cfg.IA.Epoch, qt.Equals, uint32(defaultEpoch))
	c.Assert(cfg.PO.PublishInterval, qt.Equals, time.Minute)
	c.Assert(cfg.PO.PublishEvery, qt.Equals, uint64(100))
}

func TestLoadConfigFlagsAndEnv(t *testing.T) {
	c := qt.New(t)
	t.Setenv("ANONVOTE_IA_SEED", "0xabcd")
	t.Setenv("ANONVOTE_PO_S3_BUCKET", "roots")

	envFile := filepath.Join(t.TempDir(), "node.env")
	c.Assert(os.WriteFile(envFile, []byte("ANONVOTE_IA_AUTHORITY="+testAddr+"\nANONVOTE_IA_SEED=ignored\n"), 0o600), qt.IsNil)

	cfg, err := loadConfig([]string{
		"--env", envFile,
		"--mode", "ia",
		"-p", "8080",
		"--ia.epoch", "3",
		"--ia.sessionTTL", "30s",
		"--db.type", "inmem",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Mode, qt.Equals, api.ModeIA)
	c.Assert(cfg.API.Port, qt.Equals, 8080)
	c.Assert(cfg.IA.Epoch, qt.Equals, uint32(3))
	c.Assert(cfg.IA.SessionTTL, qt.Equals, 30*time.Second)
	c.Assert(cfg.DB.Type, qt.Equals, db.TypeInMem)
	// the process environment wins over the dotenv file
	c.Assert(cfg.IA.Seed, qt.Equals, "0xabcd")
	c.Assert(cfg.IA.Authority, qt.Equals, testAddr)
	c.Assert(cfg.PO.S3.Bucket, qt.Equals, "roots")
	t.Cleanup(func() { _ = os.Unsetenv("ANONVOTE_IA_AUTHORITY") })

	_, err = loadConfig([]string{"--no-such-flag"})
	c.Assert(err, qt.IsNotNil)
}

func TestValidateConfig(t *testing.T) {
	c := qt.New(t)

	ia := &Config{Mode: api.ModeIA, IA: IAConfig{Seed: "0x01", SignerKey: "0x02", Authority: testAddr, Epoch: 1}}
	c.Assert(validateConfig(ia), qt.IsNil)
	ia.IA.RetiredNotAfter = "next week"
	c.Assert(validateConfig(ia), qt.ErrorMatches, "invalid ia.retiredNotAfter.*")
	ia.IA.RetiredNotAfter = "2026-01-01T00:00:00Z"
	c.Assert(validateConfig(ia), qt.IsNil)
	ia.IA.Epoch = 0
	c.Assert(validateConfig(ia), qt.ErrorMatches, "epoch 0 is reserved")
	ia.IA.Epoch = 1
	ia.IA.Authority = "nope"
	c.Assert(validateConfig(ia), qt.ErrorMatches, "invalid credential authority.*")
	ia.IA.Seed = ""
	c.Assert(validateConfig(ia), qt.ErrorMatches, "IA seed is required.*")

	po := &Config{Mode: api.ModePO, PO: POConfig{IASigner: testAddr}}
	c.Assert(validateConfig(po), qt.IsNil)
	po.PO.S3.Enabled = true
	c.Assert(validateConfig(po), qt.ErrorMatches, "S3 mirror enabled without a bucket")
	po.PO.IASigner = ""
	c.Assert(validateConfig(po), qt.ErrorMatches, "invalid IA signer address.*")

	c.Assert(validateConfig(&Config{Mode: "both"}), qt.ErrorMatches, "invalid mode.*")
}

func TestNewKeyringRetiresOldEpochs(t *testing.T) {
	c := qt.New(t)
	seed := bytes.Repeat([]byte{7}, 32)
	signer, err := ethereum.NewSigner()
	c.Assert(err, qt.IsNil)

	conf := &IAConfig{Epoch: 3}
	keyring, err := newKeyring(seed, conf)
	c.Assert(err, qt.IsNil)
	open, err := keyring.KeySet(signer)
	c.Assert(err, qt.IsNil)
	c.Assert(open.Version, qt.Equals, uint64(3<<32))
	c.Assert(open.Keys, qt.HasLen, 3)
	for _, k := range open.Keys {
		c.Assert(k.NotAfter, qt.IsNil)
	}

	conf.RetiredNotAfter = "2026-01-01T00:00:00+02:00"
	conf.Revision = 1
	keyring, err = newKeyring(seed, conf)
	c.Assert(err, qt.IsNil)
	retired, err := keyring.KeySet(signer)
	c.Assert(err, qt.IsNil)
	// the republished set is newer, so POs holding the open one take it
	c.Assert(retired.Version > open.Version, qt.IsTrue)
	want := time.Date(2025, 12, 31, 22, 0, 0, 0, time.UTC)
	for _, k := range retired.Keys[:2] {
		c.Assert(k.NotAfter, qt.IsNotNil)
		c.Assert(k.NotAfter.Equal(want), qt.IsTrue)
	}
	c.Assert(retired.Keys[2].NotAfter, qt.IsNil)
	c.Assert(retired.Keys[0].PublicKey, qt.DeepEquals, open.Keys[0].PublicKey)

	conf.RetiredNotAfter = "soon"
	_, err = newKeyring(seed, conf)
	c.Assert(err, qt.ErrorMatches, "invalid ia.retiredNotAfter.*")
}

func TestRetryConfig(t *testing.T) {
	c := qt.New(t)
	c.Assert(retryConfig(0).MaxRetries, qt.Equals, uint64(0))
	c.Assert(retryConfig(7).MaxRetries, qt.Equals, uint64(7))
}
