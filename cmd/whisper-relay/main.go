package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper-chat/whisper/internal/relay"
	"github.com/whisper-chat/whisper/internal/relay/store/sqlstore"
)

var (
	addr   = flag.String("addr", ":8080", "http service address")
	driver = flag.String("driver", "sqlite3", "database driver (sqlite3 or postgres)")
	dsn    = flag.String("dsn", "whisper-relay.db", "database connection string")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Optional; a missing .env just means the environment is already set.
	godotenv.Load()

	// Initialize Database
	// connStr example for postgres:
	//   user=user password=password dbname=whisper sslmode=disable host=localhost port=5432
	store, err := sqlstore.New(*driver, *dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	secret := os.Getenv("WHISPER_RELAY_SECRET")
	if secret == "" {
		// An ephemeral secret invalidates all sessions on restart; fine for
		// development, set WHISPER_RELAY_SECRET in production.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatal(err)
		}
		secret = base64.StdEncoding.EncodeToString(buf)
		log.Println("WHISPER_RELAY_SECRET not set, using an ephemeral secret")
	}

	server := relay.New(store, []byte(secret))
	router := server.Router()
	router.Use(loggingMiddleware)

	log.Println("Starting relay on", *addr)
	log.Fatal(http.ListenAndServe(*addr, router))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %v", r.Method, r.URL.Path, time.Since(start))
	})
}
