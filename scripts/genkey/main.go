// genkey mints a dynamic API key for the Orchestra gateway.
//
// Usage (run from the repo root):
//
//	ORCHESTRA_API_PEPPER=... go run scripts/genkey/main.go -name ci-bot \
//	    -scopes archive:read,board:read -projects default
//
// Prints the plaintext key once (hand it to the caller, it is never stored)
// together with the peppered hash and an INSERT statement for the api_keys
// table. The hash is only valid for the pepper the server runs with.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/structboard/orchestra/internal/auth"
	"github.com/structboard/orchestra/internal/model"
)

func main() {
	name := flag.String("name", "", "human-readable key name (required)")
	scopesArg := flag.String("scopes", "", "comma-separated scopes, e.g. archive:read,board:read (required)")
	projectsArg := flag.String("projects", "default", "comma-separated project ids the key may act on")
	flag.Parse()

	pepper := os.Getenv("ORCHESTRA_API_PEPPER")
	if pepper == "" {
		fail("ORCHESTRA_API_PEPPER must be set; the hash is bound to the server pepper")
	}
	if *name == "" || *scopesArg == "" {
		flag.Usage()
		os.Exit(2)
	}

	var scopes []model.Scope
	for _, s := range strings.Split(*scopesArg, ",") {
		scope, ok := model.ParseScope(strings.TrimSpace(s))
		if !ok {
			fail(fmt.Sprintf("unknown scope %q", s))
		}
		scopes = append(scopes, scope)
	}
	projects := strings.Split(*projectsArg, ",")
	for i := range projects {
		projects[i] = strings.TrimSpace(projects[i])
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		fail(fmt.Sprintf("generate key: %v", err))
	}
	key := "sk-orch-" + base64.RawURLEncoding.EncodeToString(raw)
	hash := auth.HashKey(pepper, key)
	id := uuid.New()

	fmt.Printf("API key (store it now, it is not recoverable):\n\n  %s\n\n", key)
	fmt.Printf("key id:   %s\nkey hash: %s\n\n", id, hash)
	fmt.Println("SQL to provision the key:")
	fmt.Printf(
		"  INSERT INTO api_keys (id, name, key_hash, scopes, projects, is_active)\n"+
			"  VALUES ('%s', '%s', '%s', '{%s}', '{%s}', TRUE);\n",
		id, *name, hash, joinScopes(scopes), strings.Join(projects, ","),
	)
}

func joinScopes(scopes []model.Scope) string {
	names := make([]string, 0, len(scopes))
	for _, s := range scopes {
		names = append(names, string(s))
	}
	return strings.Join(names, ",")
}

func fail(msg string) {
	fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	os.Exit(1)
}
