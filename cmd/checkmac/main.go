package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"

	"coaching_billing_echo/internal/config"
	"coaching_billing_echo/internal/ecpay"
)

// Signs or verifies a gateway form given as a query string, e.g.
//
//	checkmac -form 'MerchantID=3002607&RtnCode=1&gwsr=123'
//	checkmac -verify -form 'MerchantID=3002607&...&CheckMacValue=ABC'
func main() {
	form := flag.String("form", "", "URL-encoded form (mandatory)")
	verify := flag.Bool("verify", false, "Verify the CheckMacValue in -form instead of signing")
	canonical := flag.Bool("canonical", false, "Also print the pre-hash canonical string")
	flag.Parse()

	if *form == "" {
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	values, err := url.ParseQuery(*form)
	if err != nil {
		log.Fatalf("Invalid form: %v", err)
	}
	params := ecpay.FormValues(values)
	signer := ecpay.NewSigner(cfg.ECPay.HashKey, cfg.ECPay.HashIV)

	if *canonical {
		fmt.Println(signer.Canonical(params))
	}

	if *verify {
		if !signer.Verify(params) {
			fmt.Println("INVALID")
			os.Exit(2)
		}
		fmt.Println("OK")
		return
	}

	signed := signer.SignForm(params)
	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, signed[k])
	}
}
