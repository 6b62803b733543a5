package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopstr-eng/shopstr-core/internal/store/sqlite"
	"github.com/shopstr-eng/shopstr-core/pkg/challenge"
	"github.com/shopstr-eng/shopstr-core/pkg/config"
	"github.com/shopstr-eng/shopstr-core/pkg/keys"
	"github.com/shopstr-eng/shopstr-core/pkg/messenger"
	"github.com/shopstr-eng/shopstr-core/pkg/pool"
	"github.com/shopstr-eng/shopstr-core/pkg/signer"
	"github.com/shopstr-eng/shopstr-core/pkg/storage"
)

const Version = "0.2.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	dbPath := flag.String("db", "shopstr.db", "Path to the settings database")
	nsec := flag.String("nsec", "", "Initialize a local signer from an nsec or hex private key")
	bunkerURI := flag.String("bunker", "", "Initialize a remote signer from a bunker:// URI")
	to := flag.String("to", "", "Recipient npub or hex public key")
	message := flag.String("message", "", "Message text to send")
	subject := flag.String("subject", "", "Optional conversation subject")
	listen := flag.Bool("listen", false, "Stay connected and print inbound messages")
	signout := flag.Bool("signout", false, "Delete the persisted signer and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Store error: %v", err)
	}
	defer store.Close()

	p := pool.New(pool.Options{
		Readable:   true,
		Writable:   true,
		KeepAlive:  cfg.KeepAlive(),
		GCInterval: cfg.GCInterval(),
		IOTimeout:  cfg.IOTimeout(),
	})
	defer p.Close()
	p.AddRelays(cfg.Relays.Read)
	p.AddRelays(cfg.Relays.Write)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *signout {
		if err := store.Delete(ctx, storage.SignerKey); err != nil {
			log.Fatalf("Signout error: %v", err)
		}
		log.Println("Signer removed")
		return
	}

	opts := signer.Options{
		Challenge: terminalChallenge(),
		Pool:      p,
	}
	// A session-bus signer service backs the extension descriptor when
	// one is running; absence only matters if the descriptor needs it
	if provider, perr := signer.NewDBusProvider(); perr == nil {
		opts.Provider = provider
		defer provider.Close()
	}

	sig, err := loadSigner(ctx, store, opts, *nsec, *bunkerURI)
	if err != nil {
		log.Fatalf("Signer error: %v", err)
	}
	defer sig.Close()

	if _, err := sig.Connect(ctx); err != nil {
		log.Fatalf("Signer connect error: %v", err)
	}
	pubKey, err := sig.GetPublicKey(ctx)
	if err != nil {
		log.Fatalf("Signer error: %v", err)
	}
	log.Printf("shopstr-dm v%s signing as %s", Version, pubKey)

	m := messenger.New(sig, p, cfg.Relays.Write, cfg.Relays.Blaster)

	if *to != "" {
		recipient, err := keys.ParsePublicKey(*to)
		if err != nil {
			log.Fatalf("Invalid recipient: %v", err)
		}
		if *message == "" {
			log.Fatal("A -message is required with -to")
		}
		if _, err := m.Send(ctx, recipient, *message, *subject, nil); err != nil {
			log.Fatalf("Send error: %v", err)
		}
		log.Printf("Message sent to %s", recipient)
	}

	if *listen {
		sub, err := m.Listen(ctx, func(msg *messenger.Message) {
			line := fmt.Sprintf("[%s] %s", msg.Rumor.PubKey, msg.Rumor.Content)
			if msg.Subject != "" {
				line = fmt.Sprintf("[%s] (%s) %s", msg.Rumor.PubKey, msg.Subject, msg.Rumor.Content)
			}
			fmt.Println(line)
		}, cfg.Relays.Read...)
		if err != nil {
			log.Fatalf("Listen error: %v", err)
		}
		defer sub.Close()

		log.Println("Listening for direct messages, Ctrl-C to stop...")
		<-ctx.Done()
		log.Println("Shutting down...")
	}
}

// loadSigner restores the persisted signer, or creates and persists a
// new one when -nsec or -bunker is given
func loadSigner(ctx context.Context, store storage.Store, opts signer.Options, nsec, bunkerURI string) (signer.Signer, error) {
	switch {
	case nsec != "":
		privKey, err := keys.ParsePrivateKey(nsec)
		if err != nil {
			return nil, err
		}
		resp, err := opts.Challenge(ctx, challenge.Request{
			Type:    challenge.TypePassphrase,
			Payload: "choose a passphrase to encrypt the key",
		})
		if err != nil {
			return nil, err
		}
		sig, err := signer.NewLocalSigner(privKey, resp.Secret, opts.Challenge)
		if err != nil {
			return nil, err
		}
		return sig, persistSigner(ctx, store, sig)

	case bunkerURI != "":
		sig, err := signer.NewBunkerSigner(bunkerURI, opts)
		if err != nil {
			return nil, err
		}
		return sig, persistSigner(ctx, store, sig)
	}

	data, err := store.Get(ctx, storage.SignerKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no signer configured, run once with -nsec or -bunker")
	}
	if err != nil {
		return nil, err
	}
	return signer.FromJSON(data, opts)
}

func persistSigner(ctx context.Context, store storage.Store, sig signer.Signer) error {
	data, err := signer.MarshalDescriptor(sig)
	if err != nil {
		return err
	}
	return store.Put(ctx, storage.SignerKey, data)
}

// terminalChallenge resolves challenges on stdin/stderr
func terminalChallenge() challenge.Handler {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, req challenge.Request) (challenge.Response, error) {
		if err := ctx.Err(); err != nil {
			return challenge.Response{}, err
		}
		if req.Err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", req.Err)
		}

		switch req.Type {
		case challenge.TypePassphrase:
			prompt := "Passphrase"
			if req.Payload != "" {
				prompt = "Passphrase (" + req.Payload + ")"
			}
			fmt.Fprintf(os.Stderr, "%s: ", prompt)
			line, err := reader.ReadString('\n')
			if err != nil {
				return challenge.Response{}, challenge.ErrAborted
			}
			return challenge.Response{Secret: strings.TrimSpace(line), Remember: true}, nil

		case challenge.TypeAuthURL:
			fmt.Fprintf(os.Stderr, "Approve the remote signer at: %s\n", req.Payload)
			return challenge.Response{}, nil

		default:
			return challenge.Response{}, challenge.ErrUnknownType
		}
	}
}
