package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"golang.org/x/term"
)

// issue-token mints a student or proctor token signed with JWT_SECRET, for
// local testing against the stream and monitor endpoints.
func main() {
	var (
		userID    string
		tokenType string
		ttl       time.Duration
		prompt    bool
	)
	flag.StringVar(&userID, "user", "", "User ID to put in the token subject")
	flag.StringVar(&tokenType, "type", string(service.TokenTypeStudent), "Token type: student or proctor")
	flag.DurationVar(&ttl, "ttl", 4*time.Hour, "Token lifetime")
	flag.BoolVar(&prompt, "prompt-secret", false, "Read the signing secret from the terminal instead of JWT_SECRET")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if !validator.ValidID(userID) {
		fmt.Println("Error: -user is required (letters, digits, '-' or '_', up to 64 characters)")
		os.Exit(2)
	}

	typ := service.TokenType(strings.ToLower(tokenType))
	if typ != service.TokenTypeStudent && typ != service.TokenTypeProctor {
		fmt.Println("Error: -type must be student or proctor")
		os.Exit(2)
	}

	if prompt {
		fmt.Print("Enter JWT secret: ")
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println() // Newline after secret input
		if err != nil {
			fmt.Println("Error reading secret")
			os.Exit(1)
		}
		if len(secret) == 0 {
			fmt.Println("Error: secret must not be empty")
			os.Exit(2)
		}
		cfg.JWTSecret = string(secret)
	}

	token, err := service.NewAuthService(cfg).IssueToken(userID, typ, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}

	fmt.Println(token)
}
