// Benchmark tool for exercising a running Wardwatch instance with
// synthetic ward data.
//
// Usage:
//
//	go run cmd/benchmark/main.go -url http://localhost:8080 -wards 500
//
// This tool:
//  1. Generates a synthetic state: boundary wards, facility test
//     records, population, and covariates
//  2. Uploads the datasets and runs each pipeline stage
//  3. Reports per-stage latency, resolution coverage, and plan coverage
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

type jsonMap = map[string]any

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Wardwatch base URL")
	sessionID := flag.String("session", "benchmark-test", "Session ID for requests")
	wards := flag.Int("wards", 500, "Number of synthetic wards")
	facilities := flag.Int("facilities", 3, "Facilities per ward")
	stock := flag.Int64("stock", 250000, "Net stock to allocate")
	household := flag.Float64("household", 5.0, "Average household size")
	seed := flag.Int64("seed", 42, "Random seed for synthetic data")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          WARDWATCH BENCHMARK - Synthetic State Run            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nWardwatch URL:  %s\n", *baseURL)
	fmt.Printf("Session ID:     %s\n", *sessionID)
	fmt.Printf("Wards:          %d\n", *wards)
	fmt.Printf("Facilities:     %d per ward\n", *facilities)
	fmt.Printf("Net Stock:      %d\n", *stock)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Wardwatch not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Wardwatch is running:")
		fmt.Println("  cd wardwatch && go run cmd/wardwatch/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Wardwatch is healthy")

	client := &http.Client{Timeout: 5 * time.Minute}
	rng := rand.New(rand.NewSource(*seed))

	boundaries, records, popRows, covRows := generate(rng, *wards, *facilities)

	fmt.Printf("\nUploading datasets (%d wards, %d facilities)...\n", *wards, len(records))
	upload := time.Now()
	post(client, *baseURL, *sessionID, "/datasets/boundaries", jsonMap{"wards": boundaries})
	post(client, *baseURL, *sessionID, "/datasets/facilities", jsonMap{"records": records})
	post(client, *baseURL, *sessionID, "/datasets/population", jsonMap{"rows": popRows})
	post(client, *baseURL, *sessionID, "/datasets/covariates", jsonMap{"rows": covRows})
	fmt.Printf("✓ Uploaded in %v\n", time.Since(upload).Round(time.Millisecond))

	fmt.Println("\nRunning pipeline stages...")

	resolveOut := timedStage(client, *baseURL, *sessionID, "resolve", "/pipeline/resolve", jsonMap{})
	tprOut := timedStage(client, *baseURL, *sessionID, "tpr", "/pipeline/tpr", jsonMap{"scope": "all"})
	riskOut := timedStage(client, *baseURL, *sessionID, "risk", "/pipeline/risk", jsonMap{})
	planOut := timedStage(client, *baseURL, *sessionID, "allocate", "/pipeline/allocate", jsonMap{
		"netStock":      *stock,
		"householdSize": *household,
	})

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 RESOLUTION\n")
	fmt.Printf("   Coverage:     %.2f%%\n", num(resolveOut, "coveragePct"))
	fmt.Printf("   Review queue: %.0f\n", num(resolveOut, "reviewCount"))

	fmt.Printf("\n🧪 TPR\n")
	fmt.Printf("   Ward results: %.0f\n", num(tprOut, "count"))

	fmt.Printf("\n📈 RISK\n")
	fmt.Printf("   Ranked wards: %.0f\n", num(riskOut, "wardCount"))
	fmt.Printf("   Dropped:      %.0f\n", num(riskOut, "droppedWards"))
	fmt.Printf("   Agreement:    %.2f%%\n", num(riskOut, "agreementPct"))

	fmt.Printf("\n🛏️  ALLOCATION\n")
	fmt.Printf("   Allocated:    %.0f / %.0f\n", num(planOut, "allocatedTotal"), num(planOut, "requiredTotal"))
	fmt.Printf("   Coverage:     %.2f%%\n", num(planOut, "overallCoveragePct"))
	fmt.Println()
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generate builds a deterministic synthetic state: LGAs of ~20 wards,
// facilities with realistic test counts, and four covariates.
func generate(rng *rand.Rand, wardCount, facilitiesPerWard int) (boundaries, records, popRows, covRows []jsonMap) {
	for i := 0; i < wardCount; i++ {
		lga := fmt.Sprintf("LGA %02d", i/20)
		name := fmt.Sprintf("Ward %04d", i)
		code := fmt.Sprintf("BM%04d", i)

		boundaries = append(boundaries, jsonMap{
			"state": "Benchmark", "lga": lga, "name": name, "code": code,
			"centroidLat": 10 + rng.Float64()*2,
			"centroidLon": 7 + rng.Float64()*2,
		})

		for f := 0; f < facilitiesPerWard; f++ {
			tested := 50 + rng.Int63n(400)
			positive := rng.Int63n(tested + 1)
			records = append(records, jsonMap{
				"state": "Benchmark", "lga": lga, "ward": name, "wardCode": code,
				"facility": fmt.Sprintf("%s PHC %d", name, f+1),
				"level":    "primary",
				"urban":    rng.Intn(5) == 0,
				"period":   "2024-06",
				"tests": jsonMap{
					"<5": jsonMap{
						"rdt": jsonMap{"tested": tested, "positive": positive},
					},
				},
				"attendance": 500 + rng.Int63n(2000),
			})
		}

		popRows = append(popRows, jsonMap{
			"state": "Benchmark", "lga": lga, "ward": name, "wardCode": code,
			"population": 5000 + rng.Int63n(45000),
		})

		covRows = append(covRows, jsonMap{
			"state": "Benchmark", "lga": lga, "ward": name, "wardCode": code,
			"values": jsonMap{
				"rainfall":  500 + rng.Float64()*1000,
				"evi":       rng.Float64(),
				"housing":   rng.Float64() * 100,
				"elevation": 200 + rng.Float64()*800,
			},
		})
	}
	return boundaries, records, popRows, covRows
}

func post(client *http.Client, baseURL, sessionID, path string, body jsonMap) jsonMap {
	data, err := json.Marshal(body)
	if err != nil {
		fmt.Printf("ERROR: marshal %s: %v\n", path, err)
		os.Exit(1)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(data))
	if err != nil {
		fmt.Printf("ERROR: request %s: %v\n", path, err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", sessionID)

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("ERROR: %s: %v\n", path, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out jsonMap
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Printf("ERROR: decode %s: %v\n", path, err)
		os.Exit(1)
	}
	if resp.StatusCode >= 300 {
		fmt.Printf("ERROR: %s: status %d: %v\n", path, resp.StatusCode, out["error"])
		os.Exit(1)
	}
	return out
}

func timedStage(client *http.Client, baseURL, sessionID, name, path string, body jsonMap) jsonMap {
	start := time.Now()
	out := post(client, baseURL, sessionID, path, body)
	fmt.Printf("   %-9s %v\n", name, time.Since(start).Round(time.Millisecond))
	return out
}

func num(m jsonMap, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}
