// Command aura-coordinator runs the rendezvous and record-keeping daemon:
// it relays ceremony traffic between devices that cannot reach each other
// directly, keeps the durable journal/commitment-tree/signed-root history
// for every account it serves, brokers guardian invites, and periodically
// archives account state to S3-compatible storage. It never holds a FROST
// signing share; devices keep those locally.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hxrts/aura/internal/committree"
	"github.com/hxrts/aura/internal/db"
	"github.com/hxrts/aura/internal/guardiandirectory"
	"github.com/hxrts/aura/internal/ids"
	"github.com/hxrts/aura/internal/ratelimit"
	"github.com/hxrts/aura/internal/rootlog"
	"github.com/hxrts/aura/internal/sessiontransport"
	"github.com/hxrts/aura/internal/snapshotarchive"
	"github.com/hxrts/aura/internal/transportbridge"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // devices connect from arbitrary networks; origin is not a trust boundary here
	},
}

// accountRegistry holds the in-memory commitment tree for every account
// this coordinator has seen since boot, created empty on first reference.
// A restart currently means devices must push their latest state back in
// via ArchiveJournal/ArchiveTree replay; see snapshotarchive.FetchJournal.
type accountRegistry struct {
	mu    sync.RWMutex
	trees map[ids.AccountID]*committree.Tree
}

func newAccountRegistry() *accountRegistry {
	return &accountRegistry{trees: make(map[ids.AccountID]*committree.Tree)}
}

func (r *accountRegistry) treeFor(account ids.AccountID) *committree.Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trees[account]; ok {
		return t
	}
	t := committree.NewTree(account)
	r.trees[account] = t
	return t
}

type Server struct {
	database    *db.DB
	hub         *sessiontransport.Hub
	bridge      *transportbridge.Bridge
	guardians   *guardiandirectory.Service
	roots       *rootlog.Store
	archive     *snapshotarchive.Archive
	limiter     *ratelimit.Limiter
	registry    *accountRegistry
}

func main() {
	log.Println("[Coordinator] starting aura-coordinator...")

	database, err := db.NewDB()
	if err != nil {
		log.Fatalf("[Coordinator] failed to connect to database: %v", err)
	}
	defer database.Close()

	guardians := guardiandirectory.NewService(database.Postgres)
	if err := guardians.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("[Coordinator] failed to ensure guardian schema: %v", err)
	}

	signer := rootlog.NewSigner(loadTransparencySigningKey())
	roots := rootlog.NewStore(database.Postgres, signer)
	if err := roots.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("[Coordinator] failed to ensure signed root schema: %v", err)
	}

	archive, err := snapshotarchive.NewArchive(context.Background())
	if err != nil {
		log.Printf("[WARN] snapshot archive unavailable: %v (backups disabled)", err)
		archive = nil
	}

	var limiter *ratelimit.Limiter
	if database.Redis != nil {
		limiter = ratelimit.NewLimiter(database.Redis)
	}

	server := &Server{
		database:  database,
		hub:       sessiontransport.NewHub(),
		guardians: guardians,
		roots:     roots,
		archive:   archive,
		limiter:   limiter,
		registry:  newAccountRegistry(),
	}

	if database.Redis != nil {
		server.bridge = transportbridge.NewBridge(database.Redis, ids.DeviceID{})
	}

	if archive != nil {
		go server.runArchiveLoop(context.Background())
	}

	router := server.setupRouter()
	httpServer := &http.Server{
		Addr:         getEnvOrDefault("AURA_COORDINATOR_ADDR", ":7080"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Coordinator] listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Coordinator] failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Coordinator] shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Coordinator] forced shutdown: %v", err)
	}
	log.Println("[Coordinator] exited gracefully")
}

// loadTransparencySigningKey reads the coordinator's long-lived Ed25519
// transparency key from AURA_ROOTLOG_SEED (32-byte hex), or mints a
// throwaway key for local development so the daemon still boots.
func loadTransparencySigningKey() ed25519.PrivateKey {
	seedHex := os.Getenv("AURA_ROOTLOG_SEED")
	if seedHex == "" {
		log.Println("[WARN] AURA_ROOTLOG_SEED not set, generating an ephemeral transparency key (dev only)")
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			log.Fatalf("[Coordinator] failed to generate transparency key: %v", err)
		}
		return priv
	}
	seed, err := decodeHexSeed(seedHex)
	if err != nil {
		log.Fatalf("[Coordinator] invalid AURA_ROOTLOG_SEED: %v", err)
	}
	return ed25519.NewKeyFromSeed(seed)
}

func (s *Server) runArchiveLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.mu.RLock()
			snapshot := make(map[ids.AccountID]*committree.Tree, len(s.registry.trees))
			for k, v := range s.registry.trees {
				snapshot[k] = v
			}
			s.registry.mu.RUnlock()

			for account, tree := range snapshot {
				// Tree.Snapshot() is applier's internal rollback checkpoint
				// (unexported fields, meant to be restored in-process, not
				// serialized); what a reconnecting device actually needs
				// from archival is the epoch and root it should expect to
				// find once it replays the journal, so that's what gets
				// written here.
				root := tree.CurrentCommitment()
				blob, err := json.Marshal(struct {
					Epoch uint64 `json:"epoch"`
					Root  string `json:"root"`
				}{
					Epoch: uint64(tree.CurrentEpoch()),
					Root:  hex.EncodeToString(root[:]),
				})
				if err != nil {
					log.Printf("[Coordinator] archive: marshal snapshot for %s: %v", account, err)
					continue
				}
				err = s.archive.ArchiveTree(ctx, snapshotarchive.TreeSnapshotBlob{
					AccountID: account,
					Epoch:     tree.CurrentEpoch(),
					Data:      blob,
				})
				if err != nil {
					log.Printf("[Coordinator] archive: upload snapshot for %s: %v", account, err)
				}
			}
		}
	}
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Ceremony relay: a device opens one websocket per session and exchanges
	// RoutedFrame-wrapped wire.Envelopes with the rest of the participants.
	router.HandleFunc("/api/session/{id}/{kind}", s.handleSessionWebSocket).Methods("GET")

	// Store-and-forward mailbox for devices that are not online for the
	// live relay (e.g. a guardian approving recovery from a phone that
	// wakes up hours later).
	router.HandleFunc("/api/mailbox/{device}/send", s.authRateLimited(s.handleMailboxSend)).Methods("POST")
	router.HandleFunc("/api/mailbox/{device}/receive", s.handleMailboxReceive).Methods("GET")

	// Guardian directory.
	router.HandleFunc("/api/accounts/{account}/guardians", s.handleListGuardians).Methods("GET")
	router.HandleFunc("/api/accounts/{account}/guardians/invites", s.handleCreateInvite).Methods("POST")
	router.HandleFunc("/api/guardians/redeem", s.handleRedeemInvite).Methods("POST")

	// Signed root history.
	router.HandleFunc("/api/accounts/{account}/roots", s.handleAppendRoot).Methods("POST")
	router.HandleFunc("/api/accounts/{account}/roots/latest", s.handleLatestRoot).Methods("GET")
	router.HandleFunc("/api/accounts/{account}/roots/since/{epoch}", s.handleRootsSince).Methods("GET")

	// Disaster recovery restore.
	router.HandleFunc("/api/accounts/{account}/restore/{epoch}", s.authRateLimited(s.handleRestoreURL)).Methods("GET")

	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authRateLimited wraps handlers that front a sensitive or abuse-prone
// operation (mailbox delivery, restore issuance) with
// the coordinator's Redis-backed rate limiter, open-failing if Redis is
// unavailable rather than blocking the whole daemon on it.
func (s *Server) authRateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			if err := s.limiter.CheckSessionHandshake(r.Context(), r.RemoteAddr); err != nil {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.database.Health(ctx); err != nil {
		http.Error(w, "database unhealthy", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, err := ids.ParseSessionID(vars["id"])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	deviceIDStr := r.URL.Query().Get("device_id")
	deviceID, err := ids.ParseDeviceID(deviceIDStr)
	if err != nil {
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Coordinator] websocket upgrade failed: %v", err)
		return
	}

	peer := s.hub.Join(sessionID, vars["kind"], deviceID, conn)
	go s.hub.WritePump(peer)
	go s.hub.ReadPump(peer)
}

func (s *Server) handleMailboxSend(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "mailbox unavailable", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	device, err := ids.ParseDeviceID(vars["device"])
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	var req struct {
		Envelope []byte `json:"envelope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.bridge.Send(r.Context(), device, req.Envelope); err != nil {
		log.Printf("[Coordinator] mailbox send failed: %v", err)
		http.Error(w, "failed to queue envelope", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (s *Server) handleMailboxReceive(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "mailbox unavailable", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	device, err := ids.ParseDeviceID(vars["device"])
	if err != nil {
		http.Error(w, "invalid device id", http.StatusBadRequest)
		return
	}
	perDevice := transportbridge.NewBridge(s.database.Redis, device)
	envelope, ok, err := perDevice.Receive(r.Context())
	if err != nil {
		log.Printf("[Coordinator] mailbox receive failed: %v", err)
		http.Error(w, "failed to read mailbox", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"envelope": envelope.Bytes})
}

func (s *Server) handleListGuardians(w http.ResponseWriter, r *http.Request) {
	account, err := ids.ParseAccountID(mux.Vars(r)["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	records, err := s.guardians.ListGuardians(r.Context(), account)
	if err != nil {
		log.Printf("[Coordinator] list guardians failed: %v", err)
		http.Error(w, "failed to list guardians", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"guardians": records})
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	account, err := ids.ParseAccountID(mux.Vars(r)["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var req struct {
		MaxUses   int   `json:"max_uses"`
		ExpiresIn int64 `json:"expires_in_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MaxUses <= 0 {
		req.MaxUses = 1
	}
	expiresIn := time.Duration(req.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 7 * 24 * time.Hour
	}
	invite, secret, err := s.guardians.CreateInvite(r.Context(), account, &req.MaxUses, &expiresIn)
	if err != nil {
		log.Printf("[Coordinator] create invite failed: %v", err)
		http.Error(w, "failed to create invite", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"invite": invite,
		"secret": secret, // returned once; the guardian's client must store it
	})
}

func (s *Server) handleRedeemInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code      string `json:"code"`
		Secret    string `json:"secret"`
		PublicKey []byte `json:"public_key"`
		Label     string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	record, err := s.guardians.RedeemInvite(r.Context(), req.Code, req.Secret, req.PublicKey, req.Label)
	if err != nil {
		log.Printf("[Coordinator] redeem invite failed: %v", err)
		http.Error(w, "failed to redeem invite", http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(record)
}

func (s *Server) handleAppendRoot(w http.ResponseWriter, r *http.Request) {
	account, err := ids.ParseAccountID(mux.Vars(r)["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	tree := s.registry.treeFor(account)
	entry, err := s.roots.Append(r.Context(), account, tree.CurrentEpoch(), tree.CurrentCommitment())
	if err != nil {
		log.Printf("[Coordinator] append root failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to append root: %v", err), http.StatusConflict)
		return
	}
	json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleLatestRoot(w http.ResponseWriter, r *http.Request) {
	account, err := ids.ParseAccountID(mux.Vars(r)["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	entry, err := s.roots.Latest(r.Context(), account)
	if err != nil {
		http.Error(w, "no roots for this account yet", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(entry)
}

func (s *Server) handleRootsSince(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account, err := ids.ParseAccountID(vars["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var epoch uint64
	if _, err := fmt.Sscanf(vars["epoch"], "%d", &epoch); err != nil {
		http.Error(w, "invalid epoch", http.StatusBadRequest)
		return
	}
	chain, err := s.roots.Since(r.Context(), account, ids.Epoch(epoch))
	if err != nil {
		log.Printf("[Coordinator] roots since failed: %v", err)
		http.Error(w, "failed to fetch root chain", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"roots": chain})
}

func (s *Server) handleRestoreURL(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	vars := mux.Vars(r)
	account, err := ids.ParseAccountID(vars["account"])
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var epoch uint64
	if _, err := fmt.Sscanf(vars["epoch"], "%d", &epoch); err != nil {
		http.Error(w, "invalid epoch", http.StatusBadRequest)
		return
	}
	url, expiresAt, err := s.archive.PresignRestoreURL(r.Context(), account, ids.Epoch(epoch))
	if err != nil {
		log.Printf("[Coordinator] presign restore failed: %v", err)
		http.Error(w, "failed to issue restore url", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"url": url, "expires_at": expiresAt})
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func decodeHexSeed(s string) ([]byte, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return seed, nil
}
