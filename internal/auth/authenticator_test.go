package auth_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/PiotrWarzachowski/go-instalive/internal/auth"
	"github.com/PiotrWarzachowski/go-instalive/internal/log"
	"github.com/PiotrWarzachowski/go-instalive/internal/storage"
	"github.com/PiotrWarzachowski/go-instalive/mocks"
)

type rejection struct {
	message string
	payload map[string]any
}

func (e *rejection) Error() string                { return e.message }
func (e *rejection) Unwrap() error                { return auth.ErrLoginRejected }
func (e *rejection) ErrorPayload() map[string]any { return e.payload }

var _ = Describe("Authenticator", func() {
	const (
		username = "alice"
		password = "hunter2"
	)

	var (
		ctrl          *gomock.Controller
		client        *mocks.MockClient
		store         *storage.Storage
		output        *bytes.Buffer
		opts          auth.Options
		ctx           context.Context
		freshSettings storage.Record
	)

	newAuthenticator := func() *auth.Authenticator {
		return auth.New(client, store, log.New(output), opts)
	}

	newSession := func(settings storage.Record) *mocks.MockSession {
		session := mocks.NewMockSession(ctrl)
		session.EXPECT().AuthenticatedUsername().Return(username).AnyTimes()
		session.EXPECT().Settings().Return(settings).AnyTimes()
		session.EXPECT().AuthExpiry().Return(time.Time{}, errors.New("no expiry")).AnyTimes()
		return session
	}

	writeSessionFile := func(content string) {
		Expect(os.WriteFile(store.PathFor(username), []byte(content), 0600)).To(Succeed())
	}

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		client = mocks.NewMockClient(ctrl)

		var err error
		store, err = storage.NewSessionStorage(filepath.Join(GinkgoT().TempDir(), "sessions"))
		Expect(err).ToNot(HaveOccurred())

		output = &bytes.Buffer{}
		opts = auth.Options{}
		ctx = context.Background()
		freshSettings = storage.Record{
			"device_id": "android-fresh",
			"cookie":    []byte("sessionid=abc"),
			"uuid":      "uuid-fresh",
		}
	})

	Describe("without a cached session", func() {
		It("logs in and saves the new session record", func() {
			session := newSession(freshSettings)
			client.EXPECT().Login(gomock.Any(), auth.LoginRequest{Username: username, Password: password}).Return(session, nil)

			result := newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})
			Expect(result).To(Equal(session))

			Expect(store.Exists(username)).To(BeTrue())
			saved, err := store.Load(username)
			Expect(err).ToNot(HaveOccurred())
			Expect(saved.DeviceID()).To(Equal("android-fresh"))
			Expect(saved["cookie"]).To(Equal([]byte("sessionid=abc")))

			Expect(output.String()).To(ContainSubstring("Unable to find cookie file: alice.json"))
			Expect(output.String()).To(ContainSubstring("New cookie file was made: alice.json"))
			Expect(output.String()).To(ContainSubstring("Successfully logged into account: alice"))
		})

		It("passes the configured proxy to the client", func() {
			opts.Proxy = "http://127.0.0.1:8080"
			client.EXPECT().Login(gomock.Any(), auth.LoginRequest{
				Username: username,
				Password: password,
				Proxy:    "http://127.0.0.1:8080",
			}).Return(newSession(freshSettings), nil)

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).ToNot(BeNil())
		})

		It("writes the base64 wrapped bytes to disk", func() {
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(newSession(freshSettings), nil)
			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).ToNot(BeNil())

			data, err := os.ReadFile(store.PathFor(username))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(ContainSubstring(`"device_id": "android-fresh"`))
			Expect(string(data)).To(ContainSubstring(`"__class__": "bytes"`))
			Expect(string(data)).To(ContainSubstring(`"__value__": "c2Vzc2lvbmlkPWFiYw=="`))
		})
	})

	Describe("with a cached session", func() {
		var cached storage.Record

		BeforeEach(func() {
			cached = storage.Record{
				"device_id": "android-cached",
				"cookie":    []byte("sessionid=cached"),
			}
			Expect(store.Save(username, cached)).To(Succeed())
		})

		It("resumes without logging in or rewriting the file", func() {
			before, err := os.ReadFile(store.PathFor(username))
			Expect(err).ToNot(HaveOccurred())

			session := newSession(storage.Record{"uuid": "no-device"})
			client.EXPECT().Resume(gomock.Any(), auth.ResumeRequest{
				Username: username,
				Password: password,
				Settings: cached,
			}).Return(session, nil)

			result := newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})
			Expect(result).To(Equal(session))

			after, err := os.ReadFile(store.PathFor(username))
			Expect(err).ToNot(HaveOccurred())
			Expect(after).To(Equal(before))

			saved, err := store.Load(username)
			Expect(err).ToNot(HaveOccurred())
			Expect(saved.DeviceID()).To(Equal("android-cached"))
		})

		It("logs in again with the cached device id when the session expired", func() {
			expired := fmt.Errorf("%w: sessionid cookie expired", auth.ErrSessionExpired)
			client.EXPECT().Resume(gomock.Any(), gomock.Any()).Return(nil, expired)

			relogged := storage.Record{"device_id": "android-cached", "cookie": []byte("sessionid=new")}
			session := newSession(relogged)
			client.EXPECT().Login(gomock.Any(), auth.LoginRequest{
				Username: username,
				Password: password,
				DeviceID: "android-cached",
			}).Return(session, nil)

			result := newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})
			Expect(result).To(Equal(session))

			saved, err := store.Load(username)
			Expect(err).ToNot(HaveOccurred())
			Expect(saved["cookie"]).To(Equal([]byte("sessionid=new")))
			Expect(saved.DeviceID()).To(Equal("android-cached"))
			Expect(output.String()).To(ContainSubstring("The current cookie file has expired, creating a new one."))
		})

		It("keeps the cached device id when the new record has none", func() {
			client.EXPECT().Resume(gomock.Any(), gomock.Any()).Return(nil, auth.ErrSessionExpired)
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(newSession(storage.Record{"uuid": "u"}), nil)

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).ToNot(BeNil())

			saved, err := store.Load(username)
			Expect(err).ToNot(HaveOccurred())
			Expect(saved.DeviceID()).To(Equal("android-cached"))
			Expect(saved.String("uuid")).To(Equal("u"))
		})

		It("does not fall back to login on other resume failures", func() {
			client.EXPECT().Resume(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset by peer"))

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring("Unexpected exception: connection reset by peer"))
		})
	})

	Describe("unreadable session files", func() {
		It("reports a corrupt file with the remedy and no client calls", func() {
			writeSessionFile(`{"device_id": "android-`)

			a := newAuthenticator()
			Expect(a.Authenticate(ctx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring("could not be read"))
			Expect(output.String()).To(ContainSubstring("Please delete your cookie file 'alice.json' and try again."))

			_, err := a.Establish(ctx, auth.Request{Username: username, Password: password})
			Expect(auth.Classify(err)).To(Equal(auth.KindCorrupt))
			Expect(store.Exists(username)).To(BeTrue())
		})

		It("reports an incompatible file with the remedy", func() {
			writeSessionFile(`{"__format__": 2, "device_id": "android-cached"}`)

			a := newAuthenticator()
			Expect(a.Authenticate(ctx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring("incompatible version"))
			Expect(output.String()).To(ContainSubstring("Please delete your cookie file 'alice.json' and try again."))

			_, err := a.Establish(ctx, auth.Request{Username: username, Password: password})
			Expect(auth.Classify(err)).To(Equal(auth.KindIncompatible))
		})
	})

	Describe("login failures", func() {
		var rejected *rejection

		BeforeEach(func() {
			rejected = &rejection{
				message: "The password you entered is incorrect.",
				payload: map[string]any{"error_type": "bad_password", "status": "fail"},
			}
		})

		It("reports the failure without the payload", func() {
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil, rejected)

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring("Could not login: The password you entered is incorrect."))
			Expect(output.String()).ToNot(ContainSubstring(`"error_type"`))
			Expect(store.Exists(username)).To(BeFalse())
		})

		It("prints the payload when verbose", func() {
			opts.Verbose = true
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil, rejected)

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring(`{"error_type":"bad_password","status":"fail"}`))
		})

		It("classifies the error with its payload", func() {
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil, rejected)

			_, err := newAuthenticator().Establish(ctx, auth.Request{Username: username, Password: password})
			var failure *auth.LoginFailure
			Expect(errors.As(err, &failure)).To(BeTrue())
			Expect(failure.Payload).To(HaveKeyWithValue("error_type", "bad_password"))
			Expect(errors.Is(err, auth.ErrLoginRejected)).To(BeTrue())
		})
	})

	Describe("cancellation", func() {
		It("treats a cancelled login as aborted", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			client.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, _ auth.LoginRequest) (auth.Session, error) {
					cancel()
					return nil, ctx.Err()
				})

			Expect(newAuthenticator().Authenticate(cancelCtx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring("The user authentication has been aborted."))
			Expect(store.Exists(username)).To(BeFalse())
		})

		It("does not contact the service when already cancelled", func() {
			cancelCtx, cancel := context.WithCancel(ctx)
			cancel()

			_, err := newAuthenticator().Establish(cancelCtx, auth.Request{Username: username, Password: password})
			Expect(errors.Is(err, auth.ErrUserAborted)).To(BeTrue())
			Expect(auth.Classify(err)).To(Equal(auth.KindAborted))
		})

		It("does not re-login when cancelled during resume", func() {
			Expect(store.Save(username, storage.Record{"device_id": "android-cached"})).To(Succeed())
			cancelCtx, cancel := context.WithCancel(ctx)
			client.EXPECT().Resume(gomock.Any(), gomock.Any()).DoAndReturn(
				func(context.Context, auth.ResumeRequest) (auth.Session, error) {
					cancel()
					return nil, auth.ErrSessionExpired
				})

			_, err := newAuthenticator().Establish(cancelCtx, auth.Request{Username: username, Password: password})
			Expect(auth.Classify(err)).To(Equal(auth.KindAborted))
		})
	})

	Describe("reporting", func() {
		It("prints the cookie expiry", func() {
			expiry := time.Date(2027, 1, 18, 15, 4, 5, 0, time.UTC)
			opts.ShowCookieExpiry = true
			opts.Now = func() time.Time { return expiry.Add(-90 * 24 * time.Hour) }

			session := mocks.NewMockSession(ctrl)
			session.EXPECT().AuthenticatedUsername().Return(username).AnyTimes()
			session.EXPECT().Settings().Return(freshSettings).AnyTimes()
			session.EXPECT().AuthExpiry().Return(expiry, nil)
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(session, nil)

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).ToNot(BeNil())
			Expect(output.String()).To(ContainSubstring("Cookie file expiry date: " + expiry.Local().Format("2006-01-02 at 03:04:05 PM")))
			Expect(output.String()).To(ContainSubstring("from now"))
		})

		It("warns when the expiry is unavailable", func() {
			opts.ShowCookieExpiry = true
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(newSession(freshSettings), nil)

			Expect(newAuthenticator().Authenticate(ctx, auth.Request{Username: username, Password: password})).ToNot(BeNil())
			Expect(output.String()).To(ContainSubstring("An error occurred while getting the cookie file expiry date: no expiry"))
		})

		It("announces overridden credentials and skips the expiry", func() {
			opts.ShowCookieExpiry = true
			session := mocks.NewMockSession(ctrl)
			session.EXPECT().AuthenticatedUsername().Return(username).AnyTimes()
			session.EXPECT().Settings().Return(freshSettings).AnyTimes()
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(session, nil)

			req := auth.Request{Username: username, Password: password, OverrideConfig: true}
			Expect(newAuthenticator().Authenticate(ctx, req)).ToNot(BeNil())
			Expect(output.String()).To(ContainSubstring("Overriding configuration file login with -u and -p arguments."))
			Expect(output.String()).ToNot(ContainSubstring("expiry date"))
		})
	})

	Describe("concurrent calls", func() {
		var (
			release chan struct{}
			logins  atomic.Int32
		)

		BeforeEach(func() {
			release = make(chan struct{})
			logins.Store(0)
		})

		blockingLogin := func(context.Context, auth.LoginRequest) (auth.Session, error) {
			logins.Add(1)
			<-release
			return newSession(freshSettings), nil
		}

		establishAsync := func(a *auth.Authenticator, req auth.Request) chan error {
			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, err := a.Establish(ctx, req)
				done <- err
			}()
			return done
		}

		It("shares one login between identical requests", func() {
			client.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(blockingLogin).Times(1)

			a := newAuthenticator()
			req := auth.Request{Username: username, Password: password}
			first := establishAsync(a, req)
			Eventually(logins.Load).Should(BeEquivalentTo(1))
			second := establishAsync(a, req)

			Consistently(logins.Load, 100*time.Millisecond).Should(BeEquivalentTo(1))
			close(release)
			Eventually(first).Should(Receive(BeNil()))
			Eventually(second).Should(Receive(BeNil()))
		})

		It("does not share a login between different passwords", func() {
			client.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(blockingLogin).Times(2)

			a := newAuthenticator()
			first := establishAsync(a, auth.Request{Username: username, Password: password})
			Eventually(logins.Load).Should(BeEquivalentTo(1))
			second := establishAsync(a, auth.Request{Username: username, Password: "other"})

			Eventually(logins.Load).Should(BeEquivalentTo(2))
			close(release)
			Eventually(first).Should(Receive(BeNil()))
			Eventually(second).Should(Receive(BeNil()))
		})

		It("does not share a login between configured and overridden credentials", func() {
			client.EXPECT().Login(gomock.Any(), gomock.Any()).DoAndReturn(blockingLogin).Times(2)

			a := newAuthenticator()
			first := establishAsync(a, auth.Request{Username: username, Password: password})
			Eventually(logins.Load).Should(BeEquivalentTo(1))
			second := establishAsync(a, auth.Request{Username: username, Password: password, OverrideConfig: true})

			Eventually(logins.Load).Should(BeEquivalentTo(2))
			close(release)
			Eventually(first).Should(Receive(BeNil()))
			Eventually(second).Should(Receive(BeNil()))
		})
	})

	Describe("persistence failures", func() {
		It("fails the login when the record cannot be saved", func() {
			mockStore := mocks.NewMockStore(ctrl)
			mockStore.EXPECT().PathFor(username).Return("/sessions/alice.json").AnyTimes()
			mockStore.EXPECT().Exists(username).Return(false)
			mockStore.EXPECT().Save(username, gomock.Any()).Return(errors.New("disk full"))
			client.EXPECT().Login(gomock.Any(), gomock.Any()).Return(newSession(freshSettings), nil)

			a := auth.New(client, mockStore, log.New(output), opts)
			Expect(a.Authenticate(ctx, auth.Request{Username: username, Password: password})).To(BeNil())
			Expect(output.String()).To(ContainSubstring("Unexpected exception: saving session: disk full"))
		})

		It("rejects usernames that would escape the session directory", func() {
			_, err := newAuthenticator().Establish(ctx, auth.Request{Username: "../alice", Password: password})
			Expect(errors.Is(err, storage.ErrInvalidUsername)).To(BeTrue())
		})
	})
})

var _ = DescribeTable("Classify",
	func(err error, kind auth.Kind) {
		Expect(auth.Classify(err)).To(Equal(kind))
	},
	Entry("nil", nil, auth.KindNone),
	Entry("login failure", &auth.LoginFailure{Err: errors.New("bad password")}, auth.KindLoginFailure),
	Entry("expired", fmt.Errorf("resume: %w", auth.ErrSessionExpired), auth.KindExpired),
	Entry("incompatible", &storage.SessionError{Err: storage.ErrIncompatibleSession}, auth.KindIncompatible),
	Entry("corrupt", &storage.SessionError{Err: storage.ErrCorruptSession}, auth.KindCorrupt),
	Entry("aborted", errors.Join(auth.ErrUserAborted, context.Canceled), auth.KindAborted),
	Entry("context cancelled", context.Canceled, auth.KindAborted),
	Entry("other", errors.New("boom"), auth.KindUnexpected),
)
