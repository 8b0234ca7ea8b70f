package utils

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rennengfeng/Binance-Trade-BOT/internal/domain"
)

// WriteKlinesToCSV dumps candles to filename, creating the parent directory.
func WriteKlinesToCSV(klines []*domain.Kline, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"open_time", "close_time", "symbol", "interval", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}

	for _, k := range klines {
		err := writer.Write([]string{
			k.OpenTime.UTC().Format(time.RFC3339),
			k.CloseTime.UTC().Format(time.RFC3339),
			k.Symbol,
			k.Interval,
			decimal.NewFromFloat(k.Open).String(),
			decimal.NewFromFloat(k.High).String(),
			decimal.NewFromFloat(k.Low).String(),
			decimal.NewFromFloat(k.Close).String(),
			decimal.NewFromFloat(k.Volume).String(),
		})
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
