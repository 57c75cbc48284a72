package main

import (
	"fmt"
	"log"
	"os"

	"github.com/af-corp/copilot-bridge/internal/auth"
	flag "github.com/spf13/pflag"
)

func main() {
	env := flag.String("env", "prod", "environment prefix")
	quiet := flag.BoolP("quiet", "q", false, "print only the key")
	flag.Parse()

	if flag.NArg() > 0 {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nerror: unexpected arguments")
		os.Exit(1)
	}

	rawKey, err := auth.GenerateKey(*env)
	if err != nil {
		log.Fatalf("failed to generate key: %v", err)
	}

	if *quiet {
		fmt.Println(rawKey)
		return
	}

	fmt.Println("=== Gateway API Key Generated ===")
	fmt.Println()
	fmt.Printf("  Key Prefix:  %s\n", auth.KeyPrefix(rawKey))
	fmt.Printf("  Key SHA-256: %s\n", auth.HashKey(rawKey))
	fmt.Println()
	fmt.Println("  Set it as auth.api_key in gateway.yaml (or via ${GATEWAY_API_KEY}).")
	fmt.Println("  API Key (save this, it will NOT be shown again):")
	fmt.Printf("  %s\n", rawKey)
	fmt.Println()
	fmt.Println("=================================")
}
