// Command flotilla-pair registers a shard with the coordinator database and
// prints the generated secret. Run it once per shard; the shard presents the
// secret on every control-plane request afterwards.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/flotillahq/flotilla/internal/registry"
	"github.com/flotillahq/flotilla/internal/storage"
)

func main() {
	var (
		domain = flag.String("domain", "", "shard domain, e.g. shard-1.example.com (required)")
		kind   = flag.String("kind", string(registry.KindStoreLocal),
			"shard kind: store-local, store-remote, s3-compatible, or file-processing")
	)
	flag.Parse()

	if *domain == "" {
		flag.Usage()
		os.Exit(2)
	}
	switch registry.Kind(*kind) {
	case registry.KindStoreLocal, registry.KindStoreRemote, registry.KindS3Compatible, registry.KindFileProcessing:
	default:
		log.Fatalf("unknown shard kind %q", *kind)
	}

	dataDir := os.Getenv("FLOTILLA_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	db, err := storage.NewDB(dataDir + "/flotilla.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	shard := &registry.Shard{
		ID:     uuid.New().String(),
		Domain: *domain,
		Kind:   registry.Kind(*kind),
		Secret: newSecret(),
		Paired: true,
	}
	if err := db.CreateShard(shard); err != nil {
		log.Fatalf("Failed to pair shard: %v", err)
	}

	fmt.Printf("Paired shard %s\n", shard.ID)
	fmt.Printf("  domain: %s\n", shard.Domain)
	fmt.Printf("  kind:   %s\n", shard.Kind)
	fmt.Printf("  secret: %s\n", shard.Secret)
	fmt.Println("Restart the coordinator to load the new shard.")
}

func newSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		log.Fatalf("crypto/rand failed: %v", err)
	}
	return hex.EncodeToString(b)
}
