package agg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hwselftest/pkg/model"
)

var diagNames = []string{"sysinfo_info", "hdd_status", "moca_status", "wifi_status", "previous_results"}

func newAgg(t *testing.T, path string) *Aggregator {
	t.Helper()
	return New(diagNames, WithResultsFile(path), WithLogger(zaptest.NewLogger(t)))
}

func TestNewTracksStatusDiagnosticsOnly(t *testing.T) {
	a := newAgg(t, "")
	assert.Equal(t, []string{"hdd_status", "moca_status", "wifi_status"}, a.Diagnostics())
	assert.Nil(t, a.GetPreviousResults())
	assert.False(t, a.Running())
}

func TestSetResultAndFinishRequireActiveRun(t *testing.T) {
	a := newAgg(t, "")
	now := time.Now()
	assert.ErrorIs(t, a.SetResult("hdd_status", 0, now), ErrNotRunning)
	assert.ErrorIs(t, a.FinishRun(now), ErrNotRunning)
	assert.ErrorIs(t, a.AbortRun(), ErrNotRunning)

	require.NoError(t, a.StartRun("ui", false, now))
	assert.NoError(t, a.SetResult("unknown_status", 1, now))
	assert.NoError(t, a.SetResult("sysinfo_info", 1, now))
}

func TestHDDFailureScenario(t *testing.T) {
	a := newAgg(t, filepath.Join(t.TempDir(), "results.json"))
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, a.StartRun("ui", false, start))
	require.NoError(t, a.SetResult("hdd_status", model.CodeFailure, start))
	require.NoError(t, a.FinishRun(start.Add(time.Second)))

	prev := a.GetPreviousResults()
	require.NotNil(t, prev)
	data, err := Serialise(prev)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "ui", doc["client"])
	assert.Equal(t, "instant", doc["results_type"])
	assert.Equal(t, "2024-03-01 10:00:01", doc["local_time"])
	results := doc["results"].(map[string]any)
	assert.Equal(t, map[string]any{"r": float64(1), "m": "FAILED_Disk_Health_Status_Error"}, results["hdd_status"])
	assert.Equal(t, map[string]any{"r": float64(1)}, results["Final"])
	assert.NotContains(t, results, "moca_status")
	assert.NotContains(t, doc, "results_valid")
}

func TestPreviousResultsNeverExposeRunInProgress(t *testing.T) {
	a := newAgg(t, "")
	now := time.Now()

	require.NoError(t, a.StartRun("first", false, now))
	require.NoError(t, a.SetResult("hdd_status", 0, now))
	assert.Nil(t, a.GetPreviousResults())
	require.NoError(t, a.FinishRun(now))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.StartRun("next", false, now))
		require.NoError(t, a.SetResult("hdd_status", model.CodeFailure, now))

		prev := a.GetPreviousResults()
		require.NotNil(t, prev)
		assert.False(t, prev.Dirty)
		assert.NotEqual(t, "next", prev.Client, "in-progress bank leaked at iteration %d", i)

		require.NoError(t, a.FinishRun(now))
		prev = a.GetPreviousResults()
		require.NotNil(t, prev)
		assert.Equal(t, "next", prev.Client)
		assert.Equal(t, model.CodeFailure, prev.Results[prev.Find("hdd_status")].Code)

		// a following run starts from a clean slate on the reused bank
		require.NoError(t, a.StartRun("first", false, now))
		require.NoError(t, a.FinishRun(now))
		prev = a.GetPreviousResults()
		assert.Equal(t, model.CodeNeverRun, prev.Results[prev.Find("hdd_status")].Code)
	}
}

func TestAbortRunKeepsPreviousResults(t *testing.T) {
	a := newAgg(t, "")
	now := time.Now()
	require.NoError(t, a.StartRun("done", false, now))
	require.NoError(t, a.FinishRun(now))

	require.NoError(t, a.StartRun("aborted", false, now))
	require.NoError(t, a.AbortRun())
	assert.False(t, a.Running())
	assert.Equal(t, "done", a.GetPreviousResults().Client)
}

func TestClientIsTruncated(t *testing.T) {
	a := newAgg(t, "")
	require.NoError(t, a.StartRun("a-very-long-client-name-exceeding-the-width", false, time.Now()))
	require.NoError(t, a.FinishRun(time.Now()))
	assert.Len(t, a.GetPreviousResults().Client, 31)
}

func TestResultsSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	a := newAgg(t, path)
	now := time.Date(2024, 5, 5, 5, 5, 5, 0, time.UTC)
	require.NoError(t, a.StartRun("periodic", true, now))
	require.NoError(t, a.SetResult("moca_status", model.CodeMoCANoClients, now))
	require.NoError(t, a.FinishRun(now))

	b := newAgg(t, path)
	prev := b.GetPreviousResults()
	require.NotNil(t, prev)
	assert.Equal(t, "periodic", prev.Client)
	assert.Equal(t, model.RunFiltered, prev.RunType)
	assert.Equal(t, model.CodeMoCANoClients, prev.Results[prev.Find("moca_status")].Code)
	assert.Equal(t, model.CodeNeverRun, prev.Results[prev.Find("hdd_status")].Code)

	// the restored bank stays readable while a new run is assembled
	require.NoError(t, b.StartRun("ui", false, now))
	assert.Equal(t, "periodic", b.GetPreviousResults().Client)
}

func TestCorruptResultsFileStartsDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	a := newAgg(t, path)
	assert.Nil(t, a.GetPreviousResults())
}

func TestWriteTestResultToggle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	a := newAgg(t, path)
	a.SetWriteTestResult(false)
	require.NoError(t, a.StartRun("ui", false, time.Now()))
	require.NoError(t, a.FinishRun(time.Now()))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NotNil(t, a.GetPreviousResults())
}

func TestFilteredRunOmitsMessages(t *testing.T) {
	b := model.NewResultBank([]string{"hdd_status", "wifi_status"})
	b.RunType = model.RunFiltered
	b.Results[0].Code = model.CodeSuccess
	b.Results[1].Code = model.CodeWiFiNoConnection
	doc := Encode(b)
	assert.Equal(t, Entry{R: 0}, doc.Results["hdd_status"])
	assert.Equal(t, Entry{R: model.CodeWiFiNoConnection}, doc.Results["wifi_status"])
	assert.Equal(t, Entry{R: 0}, doc.Results[FinalKey])
}

func TestFinalFlagsFailureClass(t *testing.T) {
	b := model.NewResultBank([]string{"bluetooth_status"})
	b.Results[0].Code = model.CodeBluetoothInterfaceFailure
	assert.Equal(t, 1, Encode(b).Results[FinalKey].R)
}

func TestSerialiseRoundTrip(t *testing.T) {
	names := []string{"hdd_status", "moca_status", "wifi_status", "tuner_status"}
	codes := []int{model.CodeSuccess, model.CodeFailure, model.CodeWiFiNoConnection, model.CodeSDCardZeroMaxMinutes}
	for _, rt := range []model.RunType{model.RunInstant, model.RunFiltered} {
		b := model.NewResultBank(names)
		b.Client = "ui"
		b.RunType = rt
		b.EndTime = time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)
		for i := range b.Results {
			b.Results[i].Code = codes[i]
		}
		data, err := Serialise(b)
		require.NoError(t, err)

		out := model.NewResultBank(names)
		require.NoError(t, Deserialise(data, out))
		assert.Equal(t, b.Client, out.Client)
		assert.Equal(t, rt, out.RunType)
		assert.True(t, b.EndTime.Equal(out.EndTime))
		for i := range names {
			assert.Equal(t, codes[i], out.Results[i].Code, names[i])
		}
	}
}

func TestDeserialiseRejectsMalformedDocuments(t *testing.T) {
	cases := map[string]string{
		"no client":     `{"results_type":"instant","local_time":"2024-01-01 00:00:00","results":{"Final":{"r":0}}}`,
		"no type":       `{"client":"ui","local_time":"2024-01-01 00:00:00","results":{"Final":{"r":0}}}`,
		"bad type":      `{"client":"ui","results_type":"x","local_time":"2024-01-01 00:00:00","results":{"Final":{"r":0}}}`,
		"no time":       `{"client":"ui","results_type":"instant","results":{"Final":{"r":0}}}`,
		"bad time":      `{"client":"ui","results_type":"instant","local_time":"yesterday","results":{"Final":{"r":0}}}`,
		"no final":      `{"client":"ui","results_type":"instant","local_time":"2024-01-01 00:00:00","results":{}}`,
		"bad final":     `{"client":"ui","results_type":"instant","local_time":"2024-01-01 00:00:00","results":{"Final":{}}}`,
		"no results":    `{"client":"ui","results_type":"instant","local_time":"2024-01-01 00:00:00"}`,
		"bad diag":      `{"client":"ui","results_type":"instant","local_time":"2024-01-01 00:00:00","results":{"Final":{"r":0},"hdd_status":"x"}}`,
		"not an object": `[]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			out := model.NewResultBank([]string{"hdd_status"})
			assert.Error(t, Deserialise([]byte(doc), out))
		})
	}
}

func TestDeserialiseToleratesMissingDiagnostics(t *testing.T) {
	doc := `{"client":"ui","results_type":"instant","local_time":"2024-01-01 00:00:00","results":{"hdd_status":{"r":0},"Final":{"r":0}}}`
	out := model.NewResultBank([]string{"hdd_status", "moca_status"})
	require.NoError(t, Deserialise([]byte(doc), out))
	assert.Equal(t, 0, out.Results[0].Code)
	assert.Equal(t, "PASSED", out.Results[0].Message)
	assert.Equal(t, model.CodeNeverRun, out.Results[1].Code)
}

func TestConcurrentReadersDuringRuns(t *testing.T) {
	a := newAgg(t, "")
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if prev := a.GetPreviousResults(); prev != nil {
				assert.False(t, prev.Dirty)
				_, err := Serialise(prev)
				assert.NoError(t, err)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		now := time.Now()
		require.NoError(t, a.StartRun("ui", i%2 == 0, now))
		require.NoError(t, a.SetResult("hdd_status", i%3, now))
		require.NoError(t, a.FinishRun(now))
	}
	close(stop)
	wg.Wait()
}
