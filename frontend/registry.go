package frontend

// The collaborator implementations that satisfy ObjectStore, Cipher, and
// QueueManagerFactory all live in their own packages (objectstore,
// cipher, queuestore, wellknown) and import this package for its shared
// domain types. That means this package cannot import them back without
// an import cycle, so initService cannot construct them by calling
// objectstore.New() directly.
//
// Instead each of those packages registers its constructor from its own
// init() function, the same way database/sql drivers register
// themselves with sql.Register instead of being imported by the sql
// package itself. The //encore:service entry point in service.go then
// builds the real Service from whichever constructors got registered,
// falling back to an error if the corresponding blank import was
// dropped from the service's main package.
var (
	objectStoreCtor   func() (ObjectStore, error)
	queueFactoryCtor  func(path string) (QueueManagerFactory, error)
	cipherCtor        func() Cipher
	wellKnownFlowCtor func() []WellKnownFlow
)

// RegisterObjectStore installs the constructor used by initService to
// build the Service's ObjectStore. Called from objectstore's init().
func RegisterObjectStore(ctor func() (ObjectStore, error)) {
	objectStoreCtor = ctor
}

// RegisterQueueFactory installs the constructor used by initService to
// build the Service's QueueManagerFactory. Called from queuestore's
// init().
func RegisterQueueFactory(ctor func(path string) (QueueManagerFactory, error)) {
	queueFactoryCtor = ctor
}

// RegisterCipher installs the constructor used by initService to build
// the Service's Cipher. Called from cipher's init().
func RegisterCipher(ctor func() Cipher) {
	cipherCtor = ctor
}

// RegisterWellKnownFlows installs the constructor used by initService to
// build the Service's default WellKnownFlow set. Called from
// wellknown's init().
func RegisterWellKnownFlows(ctor func() []WellKnownFlow) {
	wellKnownFlowCtor = ctor
}
