package identity_test

import (
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/derektruong/fxupload/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Resolver", func() {
	var (
		secret   []byte
		resolver *identity.Resolver
	)

	BeforeEach(func() {
		secret = []byte(gofakeit.LetterN(32))
		resolver = identity.NewResolver(GinkgoLogr, secret, identity.WithCookieName("cid"))
	})

	It("should parse the tokens it issues", func() {
		clientID := uuid.NewString()
		token, err := resolver.Issue(clientID)
		Expect(err).ToNot(HaveOccurred())

		parsed, err := resolver.Parse(token)
		Expect(err).ToNot(HaveOccurred())
		Expect(parsed).To(Equal(clientID))
	})

	It("should reject a token signed with another secret", func() {
		other := identity.NewResolver(GinkgoLogr, []byte(gofakeit.LetterN(32)))
		token, err := other.Issue(uuid.NewString())
		Expect(err).ToNot(HaveOccurred())

		_, err = resolver.Parse(token)
		Expect(err).To(MatchError(identity.ErrInvalidToken))
	})

	It("should reject an expired token", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   uuid.NewString(),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			},
		}).SignedString(secret)
		Expect(err).ToNot(HaveOccurred())

		_, err = resolver.Parse(token)
		Expect(err).To(MatchError(identity.ErrInvalidToken))
	})

	It("should reject a subject that is not a client id", func() {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "../etc"},
		}).SignedString(secret)
		Expect(err).ToNot(HaveOccurred())

		_, err = resolver.Parse(token)
		Expect(err).To(MatchError(identity.ErrInvalidToken))
	})

	Describe("Middleware", func() {
		var (
			seen    string
			handler http.Handler
		)

		BeforeEach(func() {
			seen = ""
			handler = resolver.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var err error
				seen, err = identity.ClientID(r.Context())
				Expect(err).ToNot(HaveOccurred())
			}))
		})

		It("should issue a cookie to a new client", func() {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads", nil))

			Expect(uuid.Validate(seen)).To(Succeed())
			cookies := rec.Result().Cookies()
			Expect(cookies).To(HaveLen(1))
			Expect(cookies[0].Name).To(Equal("cid"))
			Expect(cookies[0].HttpOnly).To(BeTrue())
			Expect(resolver.Parse(cookies[0].Value)).To(Equal(seen))
		})

		It("should keep the id of a known client", func() {
			clientID := uuid.NewString()
			token, err := resolver.Issue(clientID)
			Expect(err).ToNot(HaveOccurred())

			req := httptest.NewRequest(http.MethodGet, "/uploads", nil)
			req.AddCookie(&http.Cookie{Name: "cid", Value: token})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(seen).To(Equal(clientID))
			Expect(rec.Result().Cookies()).To(BeEmpty())
		})

		It("should replace a forged cookie", func() {
			req := httptest.NewRequest(http.MethodGet, "/uploads", nil)
			req.AddCookie(&http.Cookie{Name: "cid", Value: gofakeit.LetterN(40)})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			Expect(uuid.Validate(seen)).To(Succeed())
			Expect(rec.Result().Cookies()).To(HaveLen(1))
		})
	})

	It("should fail without a client id in the context", func() {
		_, err := identity.ClientID(httptest.NewRequest(http.MethodGet, "/", nil).Context())
		Expect(err).To(MatchError(identity.ErrNoClientID))
	})
})
