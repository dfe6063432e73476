package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/medhive/flcoordinator/internal/aggregator"
	"github.com/medhive/flcoordinator/internal/cryptokit"
	"github.com/medhive/flcoordinator/internal/fl"
	"github.com/medhive/flcoordinator/internal/modelstore"
	"github.com/medhive/flcoordinator/internal/registry"
	"github.com/medhive/flcoordinator/internal/round"
)

func signBlobForUpload(kit *cryptokit.Kit, blob *fl.ModelBlob, clientID string) string {
	data, err := blob.Encode()
	if err != nil {
		panic(err)
	}
	hash := kit.Hash(data)
	key, err := kit.DeriveClientKey(clientID)
	if err != nil {
		panic(err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *cryptokit.Kit) {
	t.Helper()

	kit := cryptokit.New(filepath.Join(t.TempDir(), "keys"))
	require.NoError(t, kit.GenerateKeys())

	store := modelstore.New(t.TempDir(), kit)
	clients := registry.New()
	models := aggregator.NewRegistry()
	models.Register("m1", aggregator.ModelKindEntry{
		EmptyModel: func() *fl.ModelBlob {
			return &fl.ModelBlob{ModelKind: "m1", Params: map[string][]float64{"w": {0}}}
		},
	})
	manager := round.NewManager(store, clients, models, kit)

	srv := New(Config{RequestQueueSize: 64, RatePerMinute: 6000}, manager, clients, models, kit, zerolog.Nop())
	return httptest.NewServer(srv.router), kit
}

func TestRegisterAndCreateRoundFlow(t *testing.T) {
	ts, kit := newTestServer(t)
	defer ts.Close()

	regBody, _ := json.Marshal(registerRequest{ClientID: "c1", ModelKind: "m1"})
	resp, err := http.Post(ts.URL+"/v1/clients/register", "application/json", bytes.NewReader(regBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var regResp registerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&regResp))
	require.NotEmpty(t, regResp.Token)

	_, err = http.Post(ts.URL+"/v1/clients/register", "application/json", bytes.NewReader(mustMarshal(registerRequest{ClientID: "c2", ModelKind: "m1"})))
	require.NoError(t, err)

	createBody := createRoundRequest{
		ModelID: "model-1", ModelKind: "m1", RoundNumber: 1,
		Config: fl.RoundConfig{MinClients: 2, MaxClients: 2, TimeoutSeconds: 60, AggregationStrategy: fl.UniformMean, SelectionStrategy: fl.SelectRandom},
	}
	resp2, err := http.Post(ts.URL+"/v1/rounds", "application/json", bytes.NewReader(mustMarshal(createBody)))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusCreated, resp2.StatusCode)

	var createResp createRoundResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&createResp))
	require.NotEmpty(t, createResp.RoundID)

	startReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/start", nil)
	startReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	require.Equal(t, http.StatusOK, startResp.StatusCode)

	joinReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/join", nil)
	joinReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	joinResp, err := http.DefaultClient.Do(joinReq)
	require.NoError(t, err)
	defer joinResp.Body.Close()
	require.Equal(t, http.StatusOK, joinResp.StatusCode)

	_ = kit // kit retained for symmetry with other tests using it directly
}

func TestUploadModelRejectsMissingToken(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	uploadBody := uploadModelRequest{
		Blob:      fl.ModelBlob{ModelKind: "m1", Params: map[string][]float64{"w": {1}}},
		Signature: base64.StdEncoding.EncodeToString([]byte("x")),
	}
	resp, err := http.Post(ts.URL+"/v1/rounds/any/upload", "application/json", bytes.NewReader(mustMarshal(uploadBody)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetRoundStatusNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/rounds/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJoinRoundReturnsFetchableBlobAndListAvailableRoundsReflectsState(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	regResp := registerClient(t, ts, "c1")

	createResp := createAndSelectRound(t, ts, "model-20", 1)

	avail := getAvailableRounds(t, ts, "c1")
	require.Len(t, avail, 1)
	require.Equal(t, createResp.RoundID, avail[0].RoundID)

	startReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/start", nil)
	startReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	require.Equal(t, http.StatusOK, startResp.StatusCode)

	joinReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/join", nil)
	joinReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	joinResp, err := http.DefaultClient.Do(joinReq)
	require.NoError(t, err)
	defer joinResp.Body.Close()
	require.Equal(t, http.StatusOK, joinResp.StatusCode)

	var joinBody joinRoundResponse
	require.NoError(t, json.NewDecoder(joinResp.Body).Decode(&joinBody))
	require.NotEmpty(t, joinBody.GlobalBlobRef)
	require.NotEmpty(t, joinBody.Blob)

	blobReq, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/blobs/"+joinBody.GlobalBlobRef, nil)
	blobReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	blobResp, err := http.DefaultClient.Do(blobReq)
	require.NoError(t, err)
	defer blobResp.Body.Close()
	require.Equal(t, http.StatusOK, blobResp.StatusCode)

	streamed, err := io.ReadAll(blobResp.Body)
	require.NoError(t, err)
	require.Equal(t, joinBody.Blob, streamed)

	// Once joined, the client is no longer "invited" so the round drops out
	// of its available list.
	avail = getAvailableRounds(t, ts, "c1")
	require.Empty(t, avail)
}

func TestGetGlobalModelFallsBackToEmptyThenServesAggregatedAfterCompletion(t *testing.T) {
	ts, kit := newTestServer(t)
	defer ts.Close()

	// No round for "m1" has completed yet: falls back to the empty model at
	// version 0 rather than erroring.
	resp, err := http.Get(ts.URL + "/v1/models/m1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var before globalModelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&before))
	require.Equal(t, 0, before.Version)
	require.NotNil(t, before.Blob)

	regResp := registerClient(t, ts, "c-complete")
	createResp := createAndSelectRound(t, ts, "model-21", 1)

	startReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/start", nil)
	startReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	startResp, err := http.DefaultClient.Do(startReq)
	require.NoError(t, err)
	defer startResp.Body.Close()
	require.Equal(t, http.StatusOK, startResp.StatusCode)

	joinReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/join", nil)
	joinReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	joinResp, err := http.DefaultClient.Do(joinReq)
	require.NoError(t, err)
	defer joinResp.Body.Close()
	require.Equal(t, http.StatusOK, joinResp.StatusCode)

	uploadBlob := fl.ModelBlob{ModelKind: "m1", Params: map[string][]float64{"w": {9}}}
	uploadBody := uploadModelRequest{
		Blob:      uploadBlob,
		Signature: signBlobForUpload(kit, &uploadBlob, "c-complete"),
	}
	uploadReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/rounds/"+createResp.RoundID+"/upload", bytes.NewReader(mustMarshal(uploadBody)))
	uploadReq.Header.Set("Authorization", "Bearer "+regResp.Token)
	uploadReq.Header.Set("Content-Type", "application/json")
	uploadResp, err := http.DefaultClient.Do(uploadReq)
	require.NoError(t, err)
	defer uploadResp.Body.Close()
	require.Equal(t, http.StatusAccepted, uploadResp.StatusCode)

	waitForRoundTerminal(t, ts, createResp.RoundID)

	resp2, err := http.Get(ts.URL + "/v1/models/m1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var after globalModelResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&after))
	require.Equal(t, 1, after.Version)
	require.Equal(t, []float64{9}, after.Blob.Params["w"])

	resp3, err := http.Get(ts.URL + "/v1/models/m1?version=1")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/v1/models/m1?version=99")
	require.NoError(t, err)
	defer resp4.Body.Close()
	require.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func registerClient(t *testing.T, ts *httptest.Server, clientID string) registerResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/clients/register", "application/json", bytes.NewReader(mustMarshal(registerRequest{ClientID: clientID, ModelKind: "m1"})))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out registerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createAndSelectRound(t *testing.T, ts *httptest.Server, modelID string, clientCount int) createRoundResponse {
	t.Helper()
	createBody := createRoundRequest{
		ModelID: modelID, ModelKind: "m1", RoundNumber: 1,
		Config: fl.RoundConfig{MinClients: clientCount, MaxClients: clientCount, TimeoutSeconds: 60, AggregationStrategy: fl.UniformMean, SelectionStrategy: fl.SelectRandom},
	}
	resp, err := http.Post(ts.URL+"/v1/rounds", "application/json", bytes.NewReader(mustMarshal(createBody)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out createRoundResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getAvailableRounds(t *testing.T, ts *httptest.Server, clientID string) []availableRound {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/rounds/available?clientId=" + clientID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []availableRound
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// waitForRoundTerminal polls getRoundStatus for the background finalize()
// goroutine to settle the round into a terminal status.
func waitForRoundTerminal(t *testing.T, ts *httptest.Server, roundID string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		resp, err := http.Get(ts.URL + "/v1/rounds/" + roundID)
		require.NoError(t, err)
		var status fl.Round
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		resp.Body.Close()
		if status.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("round %s did not reach a terminal status in time", roundID)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
