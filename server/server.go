// Package server provides the REST API over the record ledger. The HTTP
// layer stays thin: handlers decode the request, call into the ledger,
// ingest, links, and sweeper packages, and translate errors into status
// codes. Nothing in here touches the blob store or the database directly
// except through those packages.
package server

import (
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server
	"path/filepath"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/httpdown"
	"github.com/facebookgo/stats"
	"github.com/julienschmidt/httprouter"

	"github.com/ivlib/docket/ingest"
	"github.com/ivlib/docket/ledger"
	"github.com/ivlib/docket/links"
	"github.com/ivlib/docket/store"
	"github.com/ivlib/docket/sweeper"
)

// Version of the server. Overridden at link time by the release build.
var Version = "devel"

// RESTServer holds the configuration for a docket REST API server.
//
// Set the public fields and then call Run. Run listens on the given port and
// handles requests until Stop is called. Do not change any fields after
// calling Run.
//
// It should be enough to set Blobs and either MySQL or DataDir. The other
// fields allow more customization.
type RESTServer struct {
	// Port number to listen on. Defaults to 14000.
	PortNumber string
	PProfPort  string

	// Blobs is the blob store holding attachment content. Run panics if
	// Blobs is nil.
	Blobs store.Store

	// Pass in a dial command to use a MySQL server as the metadata
	// database, e.g. "user:password@tcp(localhost:3306)/docket".
	// Otherwise a lightweight internal database is used, placed inside
	// the DataDir directory. If DataDir is also empty the database is
	// kept entirely in the server's memory (useful for testing).
	MySQL   string
	DataDir string

	// Validator authenticates the API tokens presented to the API. If
	// nil, everyone is admitted as an admin named "nobody".
	Validator TokenDecoder

	// --- The following fields only need to be set in special situations.

	// Repo overrides the database selection above.
	Repo ledger.Repository

	// Ingest coordinates uploads. Built from Repo and Blobs when nil.
	Ingest *ingest.Coordinator

	// Links issues signed download links. Built when nil.
	Links *links.Issuer

	// MaxLinkTTL caps the ttl callers may request for download links.
	MaxLinkTTL time.Duration

	// UploadTimeout bounds a single blob store upload.
	UploadTimeout time.Duration

	// MaxUploads caps concurrent uploads into the blob store.
	MaxUploads int

	// Sweep reclaims orphaned rows and blobs in the background. Built
	// and started by Run unless DisableSweeper is set.
	Sweep          *sweeper.Sweeper
	SweepInterval  time.Duration
	OrphanGrace    time.Duration
	PendingTimeout time.Duration
	DisableSweeper bool

	// Clock is used for the sweep schedule and shutdown timing. Nil
	// means the wall clock.
	Clock clock.Clock

	server httpdown.Server
}

// Run initializes the remaining pieces of the server and then blocks
// listening for and handling http requests.
func (s *RESTServer) Run() error {
	log.Println("==========")
	log.Printf("Starting Docket Server version %s", Version)

	if s.Blobs == nil {
		panic("No blob store given. Blobs is nil.")
	}
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NewNobodyDecoder()
	}
	if s.PortNumber == "" {
		s.PortNumber = "14000"
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}

	// init database
	var err error
	if s.Repo == nil {
		if s.MySQL != "" {
			log.Printf("Using MySQL")
			s.Repo, err = ledger.NewMysqlRepo(s.MySQL)
		} else {
			path := "memory"
			if s.DataDir != "" {
				path = filepath.Join(s.DataDir, "docket.ql")
			}
			log.Printf("Using internal database at %s", path)
			s.Repo, err = ledger.NewQlRepo(path)
		}
		if err != nil {
			panic("problem setting up database")
		}
	}

	if s.Ingest == nil {
		s.Ingest = &ingest.Coordinator{
			Repo:       s.Repo,
			Blobs:      s.Blobs,
			PutTimeout: s.UploadTimeout,
			MaxUploads: s.MaxUploads,
		}
	}
	if s.Links == nil {
		s.Links = &links.Issuer{
			Repo:   s.Repo,
			Blobs:  s.Blobs,
			MaxTTL: s.MaxLinkTTL,
			Clock:  s.Clock,
		}
	}
	if s.Sweep == nil {
		s.Sweep = &sweeper.Sweeper{
			Repo:           s.Repo,
			Blobs:          s.Blobs,
			Interval:       s.SweepInterval,
			OrphanGrace:    s.OrphanGrace,
			PendingTimeout: s.PendingTimeout,
			Clock:          s.Clock,
		}
	}
	if !s.DisableSweeper {
		log.Println("Starting Reconciliation Sweeper")
		s.Sweep.Start()
	}

	// for pprof
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{
		StopTimeout: 30 * time.Second,
		KillTimeout: time.Minute,
		Stats:       expvarStats{requests},
		Clock:       s.Clock,
	}
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    ":" + s.PortNumber,
		Handler: s.addRoutes(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop shuts the server down and returns once in-flight requests have
// drained and the socket is closed.
func (s *RESTServer) Stop() error {
	s.Ingest.Stop()
	if !s.DisableSweeper {
		s.Sweep.Stop()
	}
	return s.server.Stop()
}

func (s *RESTServer) addRoutes() http.Handler {
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		// records
		{"GET", "/records", RoleMDOnly, s.SearchRecordsHandler},
		{"POST", "/records", RoleWrite, s.CreateRecordHandler},
		{"GET", "/records/:id", RoleMDOnly, s.RecordHandler},
		{"PUT", "/records/:id", RoleWrite, s.UpdateRecordHandler},
		{"DELETE", "/records/:id", RoleWrite, s.DeleteRecordHandler},

		// attachments hang off their record for creation and listing
		{"GET", "/records/:id/attachments", RoleMDOnly, s.ListAttachmentsHandler},
		{"POST", "/records/:id/attachments", RoleWrite, s.UploadHandler},
		{"GET", "/attachments/:aid", RoleMDOnly, s.AttachmentHandler},
		{"DELETE", "/attachments/:aid", RoleWrite, s.DetachHandler},
		{"GET", "/attachments/:aid/link", RoleRead, s.LinkHandler},

		// audit trail
		{"GET", "/records/:id/audit", RoleAdmin, s.AuditHandler},

		// admin
		{"POST", "/admin/sweep", RoleAdmin, s.SweepHandler},

		// other
		{"GET", "/", RoleUnknown, WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method,
			route.route,
			logWrapper(s.authzWrapper(route.handler, route.role)))
	}
	return r
}

// request counters, exposed through /debug/vars
var requests = expvar.NewMap("requests")

// expvarStats adapts an expvar map to the stats.Client interface httpdown
// wants for its connection counters.
type expvarStats struct {
	m *expvar.Map
}

var _ stats.Client = expvarStats{}

func (s expvarStats) BumpAvg(key string, val float64)       { s.m.AddFloat(key+".sum", val) }
func (s expvarStats) BumpSum(key string, val float64)       { s.m.AddFloat(key, val) }
func (s expvarStats) BumpHistogram(key string, val float64) { s.m.AddFloat(key+".sum", val) }

func (s expvarStats) BumpTime(key string) interface{ End() } {
	return expvarTimer{m: s.m, key: key, start: time.Now()}
}

type expvarTimer struct {
	m     *expvar.Map
	key   string
	start time.Time
}

func (t expvarTimer) End() {
	t.m.AddFloat(t.key+".ms", float64(time.Since(t.start))/float64(time.Millisecond))
}

// VarHandler adapts the expvar default handler to the httprouter three
// parameter handler.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// this code is taken from the stdlib expvar package.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	first := true
	expvar.Do(func(kv expvar.KeyValue) {
		if !first {
			fmt.Fprintf(w, ",\n")
		}
		first = false
		fmt.Fprintf(w, "%q: %s", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "\n}\n")
}

// WelcomeHandler says hello on the root route.
func WelcomeHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fmt.Fprintf(w, "Docket (%s)\n", Version)
}

// authzWrapper returns a Handler which will first verify the user token as
// having at least the given Role. The user name is added as a parameter
// "username".
func (s *RESTServer) authzWrapper(handler httprouter.Handle, leastRole Role) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := r.Header.Get("X-Api-Key")
		user, role, err := s.Validator.TokenDecode(token)
		if err != nil {
			w.WriteHeader(500)
			fmt.Fprintln(w, err.Error())
			return
		}
		if role < leastRole {
			w.WriteHeader(401)
			fmt.Fprintln(w, "Forbidden")
			return
		}

		// remove any previous username
		for i := range ps {
			if ps[i].Key == "username" {
				ps[i].Value = user
				goto out
			}
		}
		// add a new username if none found
		ps = append(ps, httprouter.Param{Key: "username", Value: user})
	out:
		handler(w, r, ps)
	}
}

// logWrapper takes a handler and returns a handler which does the same
// thing, after first logging the request URL and bumping a counter.
func logWrapper(handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		log.Println(r.Method, r.URL)
		requests.Add(r.Method, 1)
		handler(w, r, ps)
	}
}
