// Command inspect prints the contents of world data directories: checkpoint
// summaries, committed-transaction history, and auth token generation for
// tooling.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"meridian.world/internal/auth"
	"meridian.world/internal/persistence/checkpoint"
	"meridian.world/internal/persistence/txlog"
)

func main() {
	var (
		worldDir  = flag.String("world_dir", "", "world data directory (e.g. ./data/worlds/world_1)")
		ckptPath  = flag.String("checkpoint", "", "explicit checkpoint path (default: latest in -world_dir)")
		txSince   = flag.Uint64("tx_since", 0, "print committed transactions with tick > this value")
		showTx    = flag.Bool("tx", false, "print the committed-transaction log")
		principal = flag.String("token_for", "", "print an auth token for this principal and exit")
		secret    = flag.String("auth_secret", "dev-secret", "hmac secret for -token_for")
	)
	flag.Parse()

	if *principal != "" {
		fmt.Println(auth.NewHMACProvider(*secret).Token(*principal))
		return
	}

	if *showTx {
		if *worldDir == "" {
			log.Fatal("-tx requires -world_dir")
		}
		outcomes, err := txlog.ReadSince(*worldDir, *txSince)
		if err != nil {
			log.Fatalf("read txlog: %v", err)
		}
		for _, o := range outcomes {
			if o.AssetID != "" {
				fmt.Printf("%10d  %-24s  %s -> %s  asset=%s\n", o.Tick, o.TxID, o.From, o.To, o.AssetID)
			} else {
				fmt.Printf("%10d  %-24s  %s -> %s  %d\n", o.Tick, o.TxID, o.From, o.To, o.Amount)
			}
		}
		fmt.Printf("%d committed transactions\n", len(outcomes))
		return
	}

	path := *ckptPath
	if path == "" {
		if *worldDir == "" {
			flag.Usage()
			os.Exit(2)
		}
		path = checkpoint.Latest(*worldDir)
		if path == "" {
			log.Fatalf("no checkpoints under %s", *worldDir)
		}
	}

	snap, err := checkpoint.Read(path)
	if err != nil {
		log.Fatalf("read checkpoint: %v", err)
	}

	fmt.Printf("checkpoint %s\n", path)
	fmt.Printf("  world=%s tick=%d version=%d\n", snap.Header.WorldID, snap.Header.Tick, snap.Header.Version)
	fmt.Printf("  region_size=%g tick_rate_hz=%d minted_supply=%d\n", snap.RegionSize, snap.TickRateHz, snap.MintedSupply)

	byKind := map[string]int{}
	for _, e := range snap.Entities {
		byKind[e.Kind]++
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	fmt.Printf("  entities=%d\n", len(snap.Entities))
	for _, k := range kinds {
		fmt.Printf("    %-16s %d\n", k, byKind[k])
	}

	var total int64
	accs := append([]checkpoint.AccountV1(nil), snap.Accounts...)
	sort.Slice(accs, func(i, j int) bool { return accs[i].Balance > accs[j].Balance })
	for _, a := range accs {
		total += a.Balance
	}
	fmt.Printf("  accounts=%d balance_total=%d\n", len(accs), total)
	for i, a := range accs {
		if i == 10 {
			fmt.Printf("    ... %d more\n", len(accs)-10)
			break
		}
		fmt.Printf("    %-24s %10d assets=%d\n", a.Principal, a.Balance, len(a.Assets))
	}
}
