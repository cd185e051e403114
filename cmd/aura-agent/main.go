// Command aura-agent is the device-side daemon: it holds this device's
// FROST signing share in local encrypted storage, drives DKG/signing/
// resharing/recovery ceremonies through internal/control, and exchanges
// ceremony traffic with other devices via the coordinator's relay. A
// device operator talks to it over a small local HTTP API; it never
// exposes that API beyond localhost.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hxrts/aura/internal/ceremony"
	"github.com/hxrts/aura/internal/control"
	"github.com/hxrts/aura/internal/cryptoprim"
	"github.com/hxrts/aura/internal/db"
	"github.com/hxrts/aura/internal/effects/memory"
	"github.com/hxrts/aura/internal/ids"
	"github.com/hxrts/aura/internal/journal"
	"github.com/hxrts/aura/internal/pgstore"
	"github.com/hxrts/aura/internal/recovery"
	"github.com/hxrts/aura/internal/session"
	"github.com/hxrts/aura/internal/sessiontransport"
	"github.com/hxrts/aura/internal/transportcrypto"
	"github.com/hxrts/aura/internal/wire"
)

// Agent wires the control facade to a local HTTP surface and the relay
// connection to the coordinator.
type Agent struct {
	self         ids.DeviceID
	account      ids.AccountID
	facade       *control.Facade
	journal      *journal.Journal
	coordinator  string // base URL, e.g. http://localhost:7080
	transportKey *transportcrypto.HybridKeyPair

	activeDKG            *ceremony.DKGCeremony
	activeDKGSession     *session.SessionState
	activeSign           *ceremony.SignCeremony
	activeSignSession    *session.SessionState
	activeReshare        *ceremony.ReshareCeremony
	activeReshareSession *session.SessionState
}

func main() {
	log.Println("[Agent] starting aura-agent...")

	self := loadOrCreateDeviceID()
	account := loadAccountID()

	database, err := db.NewDB()
	if err != nil {
		log.Fatalf("[Agent] failed to connect to local database: %v", err)
	}
	defer database.Close()

	kek := loadKEK()
	store, err := pgstore.NewStore(database.Postgres, kek)
	if err != nil {
		log.Fatalf("[Agent] failed to initialize secure store: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("[Agent] failed to ensure secure storage schema: %v", err)
	}

	state := journal.NewAccountState(account, nil, 0, 0)
	j := journal.New(state)
	sessions := session.NewManager(memory.SystemClock{})

	facade := control.NewFacade(account, sessions, j, memory.SystemClock{}, memory.CryptoRandSource{}, store)

	transportKey, err := transportcrypto.GenerateHybridKeyPair()
	if err != nil {
		log.Fatalf("[Agent] failed to generate transport identity: %v", err)
	}

	agent := &Agent{
		self:         self,
		account:      account,
		facade:       facade,
		journal:      j,
		coordinator:  getEnvOrDefault("AURA_COORDINATOR_URL", "http://localhost:7080"),
		transportKey: transportKey,
	}

	router := agent.setupRouter()
	httpServer := &http.Server{
		Addr:         getEnvOrDefault("AURA_AGENT_ADDR", "127.0.0.1:7090"),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("[Agent] local control API listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Agent] failed to start local server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Agent] shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("[Agent] forced shutdown: %v", err)
	}
	log.Println("[Agent] exited gracefully")
}

func (a *Agent) setupRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.HandleFunc("/dkg/begin", a.handleBeginDKG).Methods("POST")
	router.HandleFunc("/dkg/complete", a.handleCompleteDKG).Methods("POST")
	router.HandleFunc("/sign/begin", a.handleBeginSign).Methods("POST")
	router.HandleFunc("/reshare/begin", a.handleBeginReshare).Methods("POST")
	router.HandleFunc("/reshare/complete", a.handleCompleteReshare).Methods("POST")
	router.HandleFunc("/recovery/initiate", a.handleInitiateRecovery).Methods("POST")
	router.HandleFunc("/recovery/execute", a.handleExecuteRecovery).Methods("POST")
	router.HandleFunc("/relay/{session}/{kind}", a.handleRelay).Methods("POST")
	return router
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"device": a.self.String(),
	})
}

func (a *Agent) handleBeginDKG(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Devices   []string `json:"devices"`
		Threshold uint16   `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	devices, err := parseDeviceIDs(req.Devices)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sess, c, msg, err := a.facade.BeginDKG(a.self, devices, req.Threshold)
	if err != nil {
		log.Printf("[Agent] begin dkg failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to begin dkg: %v", err), http.StatusInternalServerError)
		return
	}
	a.activeDKG = c
	a.activeDKGSession = sess

	encoded, err := msg.MarshalBinary()
	if err != nil {
		log.Printf("[Agent] encode dkg round1: %v", err)
		http.Error(w, fmt.Sprintf("failed to encode round1 message: %v", err), http.StatusInternalServerError)
		return
	}
	if err := a.relayToSession(r.Context(), sess.SessionID, "round1", wire.TagDkgRound1, encoded); err != nil {
		log.Printf("[Agent] relay dkg round1: %v", err)
		http.Error(w, fmt.Sprintf("failed to relay round1 message: %v", err), http.StatusBadGateway)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"session_id": sess.SessionID,
	})
}

func (a *Agent) handleCompleteDKG(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sessionID, err := ids.ParseSessionID(req.SessionID)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if a.activeDKG == nil || a.activeDKGSession == nil || a.activeDKGSession.SessionID != sessionID {
		http.Error(w, "no matching active dkg ceremony", http.StatusConflict)
		return
	}

	out, err := a.facade.CompleteDKG(r.Context(), a.activeDKGSession, a.activeDKG)
	if err != nil {
		log.Printf("[Agent] complete dkg failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to complete dkg: %v", err), http.StatusInternalServerError)
		return
	}
	a.activeDKG = nil
	a.activeDKGSession = nil

	// out.PublicKeyPackage holds *edwards25519.Point fields with no exported
	// state for encoding/json to walk; Bytes() is the only thing worth
	// returning to a caller over this API.
	json.NewEncoder(w).Encode(map[string]interface{}{
		"group_public_key": hex.EncodeToString(out.PublicKeyPackage.GroupPublicKey.Bytes()),
	})
}

func (a *Agent) handleBeginSign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignerSet []string `json:"signer_set"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	signerSet, err := parseDeviceIDs(req.SignerSet)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, c, err := a.facade.SignMessage(a.self, signerSet)
	if err != nil {
		log.Printf("[Agent] begin sign failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to begin signing: %v", err), http.StatusInternalServerError)
		return
	}
	a.activeSign = c
	a.activeSignSession = sess
	json.NewEncoder(w).Encode(map[string]interface{}{"session_id": sess.SessionID})
}

func (a *Agent) handleBeginReshare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldDevices    []string `json:"old_devices"`
		NewDevices    []string `json:"new_devices"`
		OldThreshold  uint16   `json:"old_threshold"`
		NewThreshold  uint16   `json:"new_threshold"`
		ExpectedGroup []byte   `json:"expected_group_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	oldDevices, err := parseDeviceIDs(req.OldDevices)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	newDevices, err := parseDeviceIDs(req.NewDevices)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, c, err := a.facade.BeginReshare(a.self, oldDevices, newDevices, req.OldThreshold, req.NewThreshold, req.ExpectedGroup)
	if err != nil {
		log.Printf("[Agent] begin reshare failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to begin reshare: %v", err), http.StatusInternalServerError)
		return
	}
	a.activeReshare = c
	a.activeReshareSession = sess
	json.NewEncoder(w).Encode(map[string]interface{}{"session_id": sess.SessionID})
}

// handleCompleteReshare finalizes a resharing ceremony whose rounds have
// already been driven to completion against a.activeReshare.Session
// (driven directly in process; /relay does not feed reshare rounds), persists
// the new signing share, and bumps the facade's epoch counter.
func (a *Agent) handleCompleteReshare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		OldEpoch  uint64 `json:"old_epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sessionID, err := ids.ParseSessionID(req.SessionID)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if a.activeReshare == nil || a.activeReshareSession == nil || a.activeReshareSession.SessionID != sessionID {
		http.Error(w, "no matching active reshare ceremony", http.StatusConflict)
		return
	}

	out, err := a.facade.CompleteReshare(r.Context(), a.activeReshareSession, a.activeReshare, ids.Epoch(req.OldEpoch))
	if err != nil {
		log.Printf("[Agent] complete reshare failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to complete reshare: %v", err), http.StatusInternalServerError)
		return
	}
	a.activeReshare = nil
	a.activeReshareSession = nil

	json.NewEncoder(w).Encode(map[string]interface{}{
		"group_public_key": hex.EncodeToString(out.PublicKeyPackage.GroupPublicKey.Bytes()),
	})
}

func (a *Agent) handleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewDevice         string   `json:"new_device"`
		Guardians         []string `json:"guardians"`
		RequiredApprovals int      `json:"required_approvals"`
		CooldownSeconds   int64    `json:"cooldown_seconds"`
		Reason            string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	newDevice, err := ids.ParseDeviceID(req.NewDevice)
	if err != nil {
		http.Error(w, "invalid new_device id", http.StatusBadRequest)
		return
	}
	guardians := make([]ids.GuardianID, 0, len(req.Guardians))
	for _, g := range req.Guardians {
		gid, err := ids.ParseGuardianID(g)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid guardian id %q", g), http.StatusBadRequest)
			return
		}
		guardians = append(guardians, gid)
	}
	reqOut, err := a.facade.InitiateRecovery(newDevice, guardians, req.RequiredApprovals, req.CooldownSeconds, req.Reason)
	if err != nil {
		log.Printf("[Agent] initiate recovery failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to initiate recovery: %v", err), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(reqOut)
}

// handleExecuteRecovery runs the bookkeeping transition that completes a
// recovery request once its guardian quorum and cooldown have elapsed and
// the resharing ceremony authorizing the new device has run (driven
// separately through /reshare/begin and /reshare/complete); the caller
// round-trips the RecoveryRequest it received from /recovery/initiate.
func (a *Agent) handleExecuteRecovery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Request              recovery.RecoveryRequest `json:"request"`
		ReconstructedShareOK bool                     `json:"reconstructed_share_ok"`
		NewEpoch             uint64                   `json:"new_epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.facade.ExecuteRecovery(&req.Request, req.ReconstructedShareOK, ids.Epoch(req.NewEpoch)); err != nil {
		log.Printf("[Agent] execute recovery failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to execute recovery: %v", err), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(req.Request)
}

// handleRelay broadcasts an already wire-encoded ceremony message (built
// by the caller from this device's ceremony-round output) to the rest of
// a session's participants via the coordinator.
func (a *Agent) handleRelay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, err := ids.ParseSessionID(vars["session"])
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	var req struct {
		Tag  wire.Tag `json:"tag"`
		Body []byte   `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.relayToSession(r.Context(), sessionID, vars["kind"], req.Tag, req.Body); err != nil {
		log.Printf("[Agent] relay failed: %v", err)
		http.Error(w, fmt.Sprintf("failed to relay: %v", err), http.StatusBadGateway)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// relayToSession opens a short-lived websocket to the coordinator's
// session relay, frames the given payload in a wire envelope under tag,
// and broadcasts it to
// the rest of the session's participants before closing the connection.
// A long-running ceremony would keep this connection open across rounds
// instead of reopening per message; kept simple here since the agent's
// own session-manager deadline already bounds how long a ceremony waits.
func (a *Agent) relayToSession(ctx context.Context, sessionID ids.SessionID, kind string, tag wire.Tag, payload []byte) error {
	env := wire.Envelope{Tag: tag, Body: payload}
	encoded, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("agent: encode envelope: %w", err)
	}

	wsURL, err := toWebsocketURL(a.coordinator, sessionID, kind, a.self)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("agent: dial coordinator: %w", err)
	}
	defer conn.Close()

	frame := sessiontransport.RoutedFrame{From: a.self, Body: encoded}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("agent: marshal routed frame: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func toWebsocketURL(base string, sessionID ids.SessionID, kind string, self ids.DeviceID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("agent: parse coordinator url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/api/session/%s/%s", sessionID.String(), kind)
	q := u.Query()
	q.Set("device_id", self.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseDeviceIDs(raw []string) ([]ids.DeviceID, error) {
	out := make([]ids.DeviceID, 0, len(raw))
	for _, s := range raw {
		id, err := ids.ParseDeviceID(s)
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func loadOrCreateDeviceID() ids.DeviceID {
	if raw := os.Getenv("AURA_DEVICE_ID"); raw != "" {
		id, err := ids.ParseDeviceID(raw)
		if err != nil {
			log.Fatalf("[Agent] invalid AURA_DEVICE_ID: %v", err)
		}
		return id
	}
	id := ids.NewDeviceID()
	log.Printf("[Agent] no AURA_DEVICE_ID set, minted %s for this run", id)
	return id
}

func loadAccountID() ids.AccountID {
	raw := os.Getenv("AURA_ACCOUNT_ID")
	if raw == "" {
		log.Fatalf("[Agent] AURA_ACCOUNT_ID environment variable is required")
	}
	id, err := ids.ParseAccountID(raw)
	if err != nil {
		log.Fatalf("[Agent] invalid AURA_ACCOUNT_ID: %v", err)
	}
	return id
}

// loadKEK reads the local key-encryption key from AURA_KEK_HEX, or derives
// an ephemeral one for local development (share storage will not survive
// a restart in that mode).
func loadKEK() []byte {
	hexKey := os.Getenv("AURA_KEK_HEX")
	if hexKey == "" {
		log.Println("[WARN] AURA_KEK_HEX not set, generating an ephemeral key-encryption key (dev only)")
		kek := make([]byte, cryptoprim.SymmetricKeySize)
		if _, err := rand.Read(kek); err != nil {
			log.Fatalf("[Agent] failed to generate kek: %v", err)
		}
		return kek
	}
	kek, err := hex.DecodeString(hexKey)
	if err != nil || len(kek) != cryptoprim.SymmetricKeySize {
		log.Fatalf("[Agent] AURA_KEK_HEX must be %d hex-encoded bytes", cryptoprim.SymmetricKeySize)
	}
	return kek
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
