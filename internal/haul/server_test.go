package haul

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/haul-tracker/internal/pricing"
	"github.com/zombor/haul-tracker/internal/rates"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		transcriber *mockTranscriber
		fetcher     *mockFetcher
		tokens      *Tokens
		throttle    ScanThrottle
		server      *Server
		token       string
	)

	do := func(method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, body)
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}

	authed := func(method, path string, body io.Reader) *httptest.ResponseRecorder {
		return do(method, path, body, http.Header{
			"Authorization": {"Bearer " + token},
			"Content-Type":  {"application/json"},
		})
	}

	jsonBody := func(v any) io.Reader {
		data, err := json.Marshal(v)
		Expect(err).NotTo(HaveOccurred())
		return bytes.NewReader(data)
	}

	upload := func(filename, contentType string, data []byte) (io.Reader, string) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := mw.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(mw.Close()).To(Succeed())
		return &buf, mw.FormDataContentType()
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		transcriber = &mockTranscriber{text: "Price: ¥12.50\nFreight: ¥3.00\nQuantity: 2\nWeight: 45g"}
		fetcher = &mockFetcher{rates: testRates}
		throttle = ScanThrottle{}

		var err error
		tokens, err = NewTokens("test-secret", time.Hour)
		Expect(err).NotTo(HaveOccurred())
		token, err = tokens.Issue("owner-1")
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		service := NewService(Deps{
			DB:          db,
			Transcriber: transcriber,
			Storage:     storage,
			Rates:       fetcher,
			Engine:      unitEngine(),
			IDGenerator: &sequentialIDGenerator{},
		})
		server = NewServerWithMux(service, tokens, throttle, http.NewServeMux())
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			rec := do(http.MethodOptions, "/api/hauls", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Header().Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})

		It("should set headers on error responses", func() {
			rec := do(http.MethodGet, "/api/hauls", nil, nil)
			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("authentication", func() {
		It("should reject requests without a token", func() {
			rec := do(http.MethodGet, "/api/hauls", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(rec.Header().Get("WWW-Authenticate")).To(ContainSubstring("Bearer"))
		})

		It("should reject an invalid token", func() {
			rec := do(http.MethodGet, "/api/hauls", nil, http.Header{"Authorization": {"Bearer nope"}})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should reject basic auth", func() {
			rec := do(http.MethodGet, "/api/hauls", nil, http.Header{"Authorization": {"Basic YTpi"}})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("register and login", func() {
		It("should register and then log in", func() {
			rec := do(http.MethodPost, "/api/auth/register", jsonBody(map[string]string{
				"name": "Ana", "username": "Ana", "password": "secret1",
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Body.String()).NotTo(ContainSubstring("password"))

			var user map[string]string
			Expect(json.Unmarshal(rec.Body.Bytes(), &user)).To(Succeed())
			Expect(user["username"]).To(Equal("ana"))

			rec = do(http.MethodPost, "/api/auth/login", jsonBody(map[string]string{
				"username": "ana", "password": "secret1",
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var login struct {
				AccessToken string `json:"access_token"`
				ExpiresIn   int    `json:"expires_in"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &login)).To(Succeed())
			Expect(login.ExpiresIn).To(Equal(3600))

			id, err := tokens.Verify(login.AccessToken)
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(user["id"]))
		})

		It("should return 400 for an invalid registration", func() {
			rec := do(http.MethodPost, "/api/auth/register", jsonBody(map[string]string{
				"name": "Ana", "username": "a!", "password": "secret1",
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 400 for a password bcrypt cannot hash", func() {
			rec := do(http.MethodPost, "/api/auth/register", jsonBody(map[string]string{
				"name": "Ana", "username": "ana", "password": strings.Repeat("x", 100),
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 400 for a taken username", func() {
			db.users["ana"] = &User{ID: "x", Username: "ana"}
			rec := do(http.MethodPost, "/api/auth/register", jsonBody(map[string]string{
				"name": "Ana", "username": "ana", "password": "secret1",
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 401 for bad credentials", func() {
			rec := do(http.MethodPost, "/api/auth/login", jsonBody(map[string]string{
				"username": "nobody", "password": "secret1",
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should return 400 for malformed JSON", func() {
			rec := do(http.MethodPost, "/api/auth/login", strings.NewReader("{"), nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/exchange-rates", func() {
		It("should return the live snapshot", func() {
			rec := do(http.MethodGet, "/api/exchange-rates", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var snapshot pricing.ExchangeRates
			Expect(json.Unmarshal(rec.Body.Bytes(), &snapshot)).To(Succeed())
			Expect(snapshot.Informal.Sell).To(Equal(1200.0))
		})

		When("the rate source is down", func() {
			BeforeEach(func() {
				fetcher.err = rates.ErrUnavailable
			})

			It("should return 502", func() {
				rec := do(http.MethodGet, "/api/exchange-rates", nil, nil)
				Expect(rec.Code).To(Equal(http.StatusBadGateway))
			})
		})
	})

	Describe("POST /api/totals", func() {
		It("should price the items", func() {
			rec := do(http.MethodPost, "/api/totals", jsonBody(map[string]any{
				"items": []map[string]any{
					{"quantity": 2, "unit_price": 25, "unit_freight": 5},
					{"quantity": 1, "unit_price": 20},
				},
				"shipping_usd": 20,
				"rates":        testRates,
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var resp struct {
				Items  []pricing.LineItem `json:"items"`
				Totals pricing.Totals     `json:"totals"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Items[0].UnitPriceLocal).To(Equal(36000.0))
			Expect(resp.Totals.LandedUSD).To(Equal(100.0))
			Expect(resp.Totals.DutyUSD).To(Equal(25.0))
		})

		It("should honour a disabled exemption", func() {
			rec := do(http.MethodPost, "/api/totals", jsonBody(map[string]any{
				"items":         []map[string]any{{"quantity": 1, "unit_price": 100}},
				"use_exemption": false,
				"rates":         testRates,
			}), nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"duty_usd":50`))
		})
	})

	Describe("hauls", func() {
		createHaul := func() map[string]any {
			rec := authed(http.MethodPost, "/api/hauls", jsonBody(map[string]any{
				"name":         "Spring order",
				"rates":        testRates,
				"shipping_usd": 20,
				"items": []map[string]any{
					{"quantity": 2, "unit_price": 25, "unit_freight": 5, "weight_grams": 100},
					{"quantity": 1, "unit_price": 20},
				},
			}))
			Expect(rec.Code).To(Equal(http.StatusCreated))
			var haul map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &haul)).To(Succeed())
			return haul
		}

		It("should create a haul with derived aggregates", func() {
			haul := createHaul()
			Expect(haul["total_cost_local"]).To(Equal(96000.0))
			Expect(haul["total_weight_grams"]).To(Equal(200.0))
			Expect(haul["use_exemption"]).To(BeTrue())
		})

		It("should return 400 without items", func() {
			rec := authed(http.MethodPost, "/api/hauls", jsonBody(map[string]any{"name": "Empty"}))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should list, fetch, price, update and delete", func() {
			id := createHaul()["id"].(string)

			rec := authed(http.MethodGet, "/api/hauls", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var list []map[string]any
			Expect(json.Unmarshal(rec.Body.Bytes(), &list)).To(Succeed())
			Expect(list).To(HaveLen(1))

			rec = authed(http.MethodGet, "/api/hauls/"+id, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = authed(http.MethodGet, "/api/hauls/"+id+"/totals", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var totals pricing.Totals
			Expect(json.Unmarshal(rec.Body.Bytes(), &totals)).To(Succeed())
			Expect(totals.DutyLocal).To(Equal(25000.0))

			rec = authed(http.MethodPut, "/api/hauls/"+id, jsonBody(map[string]any{
				"name":  "Renamed",
				"rates": testRates,
				"items": []map[string]any{{"quantity": 1, "unit_price": 10}},
			}))
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"name":"Renamed"`))

			rec = authed(http.MethodDelete, "/api/hauls/"+id, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))

			rec = authed(http.MethodGet, "/api/hauls/"+id, nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should return 404 for another user's haul", func() {
			id := createHaul()["id"].(string)

			other, err := tokens.Issue("owner-2")
			Expect(err).NotTo(HaveOccurred())
			headers := http.Header{"Authorization": {"Bearer " + other}}

			Expect(do(http.MethodGet, "/api/hauls/"+id, nil, headers).Code).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodGet, "/api/hauls/"+id+"/totals", nil, headers).Code).To(Equal(http.StatusNotFound))
			Expect(do(http.MethodDelete, "/api/hauls/"+id, nil, headers).Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /api/scans", func() {
		post := func() *httptest.ResponseRecorder {
			body, contentType := upload("order.png", "image/png", []byte("png-data"))
			return do(http.MethodPost, "/api/scans", body, http.Header{
				"Authorization": {"Bearer " + token},
				"Content-Type":  {contentType},
			})
		}

		It("should return the scan and its items", func() {
			rec := post()
			Expect(rec.Code).To(Equal(http.StatusCreated))

			var resp struct {
				Scan  Scan               `json:"scan"`
				Items []pricing.LineItem `json:"items"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Scan.OwnerID).To(Equal("owner-1"))
			Expect(resp.Items).To(HaveLen(1))
			Expect(resp.Items[0].UnitPrice).To(Equal(12.5))
		})

		It("should serve the stored screenshot back", func() {
			var resp struct {
				Scan Scan `json:"scan"`
			}
			Expect(json.Unmarshal(post().Body.Bytes(), &resp)).To(Succeed())

			rec := authed(http.MethodGet, "/api/scans/"+resp.Scan.ID+"/file", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("image/png"))
			Expect(rec.Body.String()).To(Equal("png-data"))

			rec = authed(http.MethodGet, "/api/scans/"+resp.Scan.ID, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		When("nothing can be extracted", func() {
			BeforeEach(func() {
				transcriber.text = "no prices here"
			})

			It("should still succeed with an empty item list", func() {
				rec := post()
				Expect(rec.Code).To(Equal(http.StatusCreated))
				Expect(rec.Body.String()).To(ContainSubstring(`"items":[]`))
			})
		})

		When("the transcriber fails", func() {
			BeforeEach(func() {
				transcriber.err = errors.New("quota exceeded")
			})

			It("should return 502", func() {
				Expect(post().Code).To(Equal(http.StatusBadGateway))
			})
		})

		When("the form has no file", func() {
			It("should return 400", func() {
				rec := authed(http.MethodPost, "/api/scans", strings.NewReader("x"))
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})

		When("uploads are throttled", func() {
			BeforeEach(func() {
				throttle = ScanThrottle{Rate: 0.001, Burst: 1}
			})

			It("should return 429 once the burst is spent", func() {
				Expect(post().Code).To(Equal(http.StatusCreated))

				rec := post()
				Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
				Expect(rec.Header().Get("Retry-After")).NotTo(BeEmpty())
				Expect(transcriber.calls).To(Equal(1))
			})

			It("should throttle each user separately", func() {
				Expect(post().Code).To(Equal(http.StatusCreated))

				other, err := tokens.Issue("owner-2")
				Expect(err).NotTo(HaveOccurred())
				body, contentType := upload("order.png", "image/png", []byte("png-data"))
				rec := do(http.MethodPost, "/api/scans", body, http.Header{
					"Authorization": {"Bearer " + other},
					"Content-Type":  {contentType},
				})
				Expect(rec.Code).To(Equal(http.StatusCreated))
			})
		})
	})

	Describe("contentTypeFor", func() {
		DescribeTable("guessing from the extension",
			func(name, want string) {
				Expect(contentTypeFor(name)).To(Equal(want))
			},
			Entry("jpeg", "a.JPG", "image/jpeg"),
			Entry("png", "a.png", "image/png"),
			Entry("pdf", "a.pdf", "application/pdf"),
			Entry("heic", "IMG_1.HEIC", "image/heic"),
			Entry("unknown", "a.bin", "application/octet-stream"),
		)
	})
})
