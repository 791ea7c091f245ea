// Command anonvote-cli runs the voter side of a poll end to end: it obtains
// a token from an IA with a dev credential, casts a vote on a PO and
// audits its inclusion in a published root.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	flag "github.com/spf13/pflag"
	"github.com/vocdoni/anonvote/api"
	"github.com/vocdoni/anonvote/client"
	"github.com/vocdoni/anonvote/crypto/signatures/ethereum"
	"github.com/vocdoni/anonvote/identity"
	"github.com/vocdoni/anonvote/log"
	"github.com/vocdoni/anonvote/types"
	"github.com/vocdoni/anonvote/util"
)

const ballotDomain = "anonvote-ballot-v1"

var (
	iaHost       = flag.String("ia", "http://localhost:9091", "identity authority endpoint")
	poHost       = flag.String("po", "http://localhost:9090", "poll operator endpoint")
	iaSigner     = flag.String("iaSigner", "", "expected signer of the IA key set (required)")
	poSigner     = flag.String("poSigner", "", "expected signer of the PO roots, empty to skip the root audit")
	authorityKey = flag.String("authorityKey", "", "hex private key of the credential authority, for dev deployments (required)")
	subject      = flag.String("subject", "", "identity subject the credential is issued for (required)")
	pollID       = flag.String("poll", "", "poll to vote in (required)")
	choice       = flag.String("choice", "", "vote payload, only its commitment leaves this machine (required)")
	voterSeed    = flag.BytesHex("voterSeed", nil, "voter secret seed, random if empty")
	adminToken   = flag.String("adminToken", "", "PO admin token, used to open the poll and publish the root")
	openPoll     = flag.Bool("openPoll", false, "open the poll before voting (needs --adminToken)")
	rootWait     = flag.Duration("rootWait", 2*time.Minute, "how long to wait for a root covering the vote")
	timeout      = flag.Duration("timeout", 5*time.Minute, "overall timeout")
	logLevel     = flag.StringP("log.level", "l", "info", "log level (debug, info, warn, error)")
)

// commitment binds choice to the poll and to a random salt the voter keeps
// to open it later.
func commitment(poll, choice string, salt []byte) []byte {
	h := sha256.Sum256(util.LengthPrefixed([]byte(ballotDomain), []byte(poll), []byte(choice), salt))
	return h[:]
}

func main() {
	flag.Parse()
	log.Init(*logLevel, "stdout", nil)

	if err := validateFlags(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatalf("vote failed: %v", err)
	}
}

func validateFlags() error {
	switch {
	case !common.IsHexAddress(*iaSigner):
		return fmt.Errorf("--iaSigner must be an address")
	case *poSigner != "" && !common.IsHexAddress(*poSigner):
		return fmt.Errorf("--poSigner must be an address")
	case *authorityKey == "", *subject == "":
		return fmt.Errorf("--authorityKey and --subject are required")
	case *pollID == "", *choice == "":
		return fmt.Errorf("--poll and --choice are required")
	case *openPoll && *adminToken == "":
		return fmt.Errorf("--openPoll needs --adminToken")
	}
	return types.ValidatePollID(*pollID)
}

func run(ctx context.Context) error {
	ia, err := client.New(ctx, *iaHost)
	if err != nil {
		return fmt.Errorf("IA unreachable: %w", err)
	}
	po, err := client.New(ctx, *poHost)
	if err != nil {
		return fmt.Errorf("PO unreachable: %w", err)
	}
	po.SetAdminToken(*adminToken)

	voter := client.RandomVoter()
	if len(*voterSeed) > 0 {
		if voter, err = client.NewVoter(*voterSeed); err != nil {
			return err
		}
	} else {
		log.Infow("generated voter seed, keep it to check the vote later", "seed", types.HexBytes(voter.Seed()).String())
	}

	// the IA key set is trusted only if signed by the expected signer
	keys, err := ia.VerificationKeys(ctx)
	if err != nil {
		return fmt.Errorf("fetch verification keys: %w", err)
	}
	if err := client.VerifyKeySet(keys, common.HexToAddress(*iaSigner)); err != nil {
		return err
	}
	log.Infow("verification keys trusted", "version", keys.Version, "epochs", len(keys.Keys))

	if *openPoll {
		if _, err := po.OpenPoll(ctx, *pollID); err != nil && !errors.Is(err, api.ErrPollAlreadyExists) {
			return fmt.Errorf("open poll: %w", err)
		}
	}

	// identity
	authority, err := ethereum.NewSignerFromHex(*authorityKey)
	if err != nil {
		return fmt.Errorf("invalid authority key: %w", err)
	}
	cred, err := identity.NewCredential(authority, *subject, time.Now())
	if err != nil {
		return err
	}
	rawCred, err := cred.Marshal()
	if err != nil {
		return err
	}
	ref, err := ia.VerifyIdentity(ctx, rawCred)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	// token
	input, err := voter.TokenInput(*pollID)
	if err != nil {
		return err
	}
	token, err := ia.ObtainToken(ctx, keys, ref, *pollID, input)
	if err != nil {
		return fmt.Errorf("obtain token: %w", err)
	}
	log.Infow("token obtained", "poll", *pollID, "epoch", token.Epoch)

	// vote
	salt := util.RandomBytes(32)
	vc := commitment(*pollID, *choice, salt)
	seq, err := po.SubmitVote(ctx, *pollID, token, vc)
	if errors.Is(err, api.ErrDoubleSpend) {
		log.Warnw("this voter already voted in the poll", "poll", *pollID)
		return err
	}
	if err != nil {
		return fmt.Errorf("submit vote: %w", err)
	}
	log.Infow("vote accepted",
		"poll", *pollID,
		"sequenceNo", seq,
		"commitment", types.HexBytes(vc).String(),
		"salt", types.HexBytes(salt).String())

	if *poSigner == "" {
		return nil
	}

	// audit
	if *adminToken != "" {
		if _, err := po.PublishRoot(ctx, *pollID); err != nil {
			log.Warnw("could not publish root", "error", err.Error())
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, *rootWait)
	defer cancel()
	if _, err := po.WaitForRoot(waitCtx, *pollID, seq, 2*time.Second); err != nil {
		return fmt.Errorf("no root covering the vote: %w", err)
	}
	snap, err := po.AuditVote(ctx, *pollID, seq, vc, common.HexToAddress(*poSigner))
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	log.Infow("vote included in published root",
		"poll", *pollID,
		"root", snap.Root.String(),
		"leafCount", snap.LeafCount,
		"cid", snap.CID)
	return nil
}
