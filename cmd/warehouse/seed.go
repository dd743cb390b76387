package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marketwarehouse/internal/types"
)

// seedFile is the shape of an optional static symbol-seed file: a flat list
// of symbols to register with the tracked-symbol registry at bootstrap,
// instead of (or in addition to) registering them one at a time through the
// admin API.
type seedFile struct {
	Symbols []seedSymbol `yaml:"symbols"`
}

type seedSymbol struct {
	Symbol     string   `yaml:"symbol"`
	AssetClass string   `yaml:"asset_class"`
	Timeframes []string `yaml:"timeframes"`
}

func loadSeedFile(path string) ([]types.Symbol, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: read %s: %w", path, err)
	}
	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("seed: parse %s: %w", path, err)
	}

	symbols := make([]types.Symbol, 0, len(sf.Symbols))
	for _, s := range sf.Symbols {
		if s.Symbol == "" {
			return nil, fmt.Errorf("seed: %s: entry missing symbol", path)
		}
		ac := types.AssetClass(s.AssetClass)
		if ac == "" {
			ac = types.AssetStock
		}
		tfs := make([]types.Timeframe, 0, len(s.Timeframes))
		for _, tf := range s.Timeframes {
			parsed := types.Timeframe(tf)
			if !types.ValidTimeframe(parsed) {
				return nil, fmt.Errorf("seed: %s: symbol %s has unknown timeframe %q", path, s.Symbol, tf)
			}
			tfs = append(tfs, parsed)
		}
		sym := types.Symbol{Symbol: s.Symbol, AssetClass: ac, Active: true, Timeframes: tfs}
		sym.NormalizeTimeframes()
		symbols = append(symbols, sym)
	}
	return symbols, nil
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register tracked symbols from a static YAML seed file at bootstrap",
		RunE: func(cmd *cobra.Command, args []string) error {
			symbols, err := loadSeedFile(file)
			if err != nil {
				return err
			}

			st, closeFn, err := openStoreForCLI()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := context.Background()
			for _, sym := range symbols {
				if err := st.Create(ctx, sym); err != nil {
					return fmt.Errorf("seed: create %s: %w", sym.Symbol, err)
				}
				fmt.Printf("seeded %s (%s) timeframes=%v\n", sym.Symbol, sym.AssetClass, sym.Timeframes)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "seed/symbols.yaml", "path to the YAML symbol-seed file")
	return cmd
}
