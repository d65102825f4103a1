package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/nullgate/rdp-transport/internal/config"
	"github.com/nullgate/rdp-transport/internal/handler"
	"github.com/nullgate/rdp-transport/internal/logging"
)

const (
	appName    = "RDP Transport Gateway"
	appVersion = "v1.0.0"
)

func main() {
	hostFlag := flag.String("host", "", "gateway listen host")
	portFlag := flag.String("port", "", "gateway listen port")
	logLevelFlag := flag.String("log-level", "", "log level (debug, info, warn, error)")
	skipTLS := flag.Bool("skip-tls-verify", false, "skip TLS certificate validation")
	tlsServerName := flag.String("tls-server-name", "", "override TLS server name")
	useNLA := flag.Bool("nla", false, "enable Network Level Authentication (NLA/CredSSP)")
	versionFlag := flag.Bool("version", false, "show version")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s %s\n", appName, appVersion)
		return
	}

	opts := config.LoadOptions{
		Host:              strings.TrimSpace(*hostFlag),
		Port:              strings.TrimSpace(*portFlag),
		LogLevel:          strings.TrimSpace(*logLevelFlag),
		SkipTLSValidation: *skipTLS,
		TLSServerName:     strings.TrimSpace(*tlsServerName),
		UseNLA:            *useNLA,
	}

	cfg, err := config.LoadWithOverrides(opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.SetLevelFromString(cfg.Logging.Level)

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", handler.Connect)

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logging.Info("%s %s listening on %s", appName, appVersion, addr)

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("server: %v", err)
	}
}
