package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"agoranet"

	"github.com/google/uuid"
)

func main() {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = "file:agoranet.db?cache=shared&_fk=1"
	}

	nodeID := strings.TrimSpace(os.Getenv("NODE_ID"))
	if nodeID == "" {
		nodeID = "node-" + uuid.NewString()[:8]
	}
	agoranet.SetNodeID(nodeID)

	bus := agoranet.NewInMemoryChangeBus()
	storage, err := agoranet.NewStorage(dsn, bus, nodeID)
	if err != nil {
		log.Fatalf("storage init: %v", err)
	}
	defer storage.Close()
	agoranet.SetAuditRepository(storage)

	verifier := agoranet.NewVerifier(resolveSignatureVerifier())

	agoranet.RecordAudit(context.Background(), agoranet.AuditLevelInfo, "node", "start", "node boot sequence", map[string]any{"node_id": nodeID})

	wsManager := agoranet.NewWSManager()
	go wsManager.Run()
	stopWS := wsManager.PumpBus(bus)
	defer stopWS()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	federationSecret := strings.TrimSpace(os.Getenv("FEDERATION_HMAC_SECRET"))

	if agoranet.EnvBool(os.Getenv("ENABLE_RUNTIME_CLIENT"), false) {
		runtimeURL := strings.TrimSpace(os.Getenv("RUNTIME_API_URL"))
		if runtimeURL == "" {
			log.Fatal("RUNTIME_API_URL must be set when ENABLE_RUNTIME_CLIENT=true")
		}
		transport := agoranet.NewHTTPRuntimeTransport(runtimeURL, federationSecret)
		pollInterval := agoranet.EnvDuration(os.Getenv("RUNTIME_POLL_INTERVAL"), 5*time.Second)
		deferTTL := agoranet.EnvDuration(os.Getenv("RUNTIME_DEFER_TTL"), 60*time.Second)
		consumer := agoranet.NewRuntimeConsumer(transport, storage, storage, pollInterval, deferTTL)
		go consumer.Run(ctx)
	}

	api := agoranet.NewAPI(storage, verifier)
	router := api.Mux()
	router.HandleFunc("/ws", wsManager.Serve)

	if agoranet.EnvBool(os.Getenv("ENABLE_FEDERATION"), false) {
		if federationSecret == "" {
			log.Fatal("FEDERATION_HMAC_SECRET must be defined to secure federation RPC traffic")
		}
		selfAddr := strings.TrimSpace(os.Getenv("FEDERATION_LISTEN_ADDR"))
		bootstrap := agoranet.ParseCSV(os.Getenv("FEDERATION_BOOTSTRAP_PEERS"))
		fed := agoranet.NewFederationSync(nodeID, selfAddr, federationSecret, storage, storage, storage, bus, bootstrap)
		agoranet.RegisterFederationHTTP(router, fed, storage, storage, federationSecret)
		go fed.Run(ctx, agoranet.EnvDuration(os.Getenv("FEDERATION_SYNC_INTERVAL"), 15*time.Second))
	}

	addr := strings.TrimSpace(os.Getenv("PORT"))
	if addr == "" {
		addr = "8080"
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.Printf("listening on %s", addr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func resolveSignatureVerifier() agoranet.SignatureVerifier {
	if secret := strings.TrimSpace(os.Getenv("AUTH_HMAC_SECRET")); secret != "" {
		return agoranet.HMACSignatureVerifier{Secret: secret}
	}
	return agoranet.AcceptAnySignature{}
}
