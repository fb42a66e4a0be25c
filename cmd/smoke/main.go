package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"ekehi.network/internal/ids"
	"ekehi.network/internal/rpc"
)

// smoke drives a running ekehid (started with dev tokens enabled) through
// open account, login, claim and a gRPC access check.
func main() {
	base := strings.TrimRight(envOr("EKEHI_HTTP_URL", "http://localhost:8080"), "/")
	grpcAddr := envOr("EKEHI_GRPC_ADDR", "localhost:9090")
	client := &http.Client{Timeout: 5 * time.Second}
	user := "smoke-" + strings.ToLower(ids.New())

	admin := token(client, base, "smoke-admin", "ADMIN")
	mustCall(client, http.MethodPost, base+"/v1/accounts", map[string]string{"Authorization": "Bearer " + admin},
		map[string]any{"user_id": user}, http.StatusCreated, nil)

	userToken := token(client, base, user, "USER")
	var sess struct {
		ID string `json:"session_id"`
	}
	mustCall(client, http.MethodPost, base+"/v1/sessions", map[string]string{"Authorization": "Bearer " + userToken},
		map[string]any{"user_id": user}, http.StatusCreated, &sess)

	time.Sleep(1100 * time.Millisecond)
	var claim struct {
		Credited string `json:"credited_amount"`
		NewTotal string `json:"new_total"`
	}
	mustCall(client, http.MethodPost, base+"/v1/accounts/"+user+"/claim", map[string]string{"X-Session-Id": sess.ID},
		nil, http.StatusOK, &claim)

	var acc struct {
		Total    string `json:"total_coins"`
		Lifetime string `json:"lifetime_earnings"`
	}
	mustCall(client, http.MethodGet, base+"/v1/accounts/"+user, map[string]string{"Authorization": "Bearer " + userToken},
		nil, http.StatusOK, &acc)
	if acc.Total != acc.Lifetime || acc.Total != claim.NewTotal {
		log.Fatalf("ledger mismatch: total=%s lifetime=%s claim=%s", acc.Total, acc.Lifetime, claim.NewTotal)
	}

	rc, err := rpc.Dial(grpcAddr, admin)
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer rc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := rc.Authorize(ctx, rpc.AuthorizeRequest{CallerID: user, ResourceOwnerID: user, Permission: "READ", Resource: "account"})
	if err != nil {
		log.Fatalf("authorize: %v", err)
	}
	if !d.Granted {
		log.Fatalf("owner read refused: %s", d.Reason)
	}

	fmt.Printf("✅ ekehid smoke test passed: user=%s credited=%s\n", user, claim.Credited)
}

func token(client *http.Client, base, user, role string) string {
	var out struct {
		Token string `json:"token"`
	}
	mustCall(client, http.MethodPost, base+"/v1/auth/token", nil, map[string]any{"user": user, "role": role}, http.StatusOK, &out)
	return out.Token
}

func mustCall(client *http.Client, method, url string, headers map[string]string, body any, want int, out any) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			log.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var e map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&e)
		log.Fatalf("%s %s: status %d, want %d: %v", method, url, resp.StatusCode, want, e)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
