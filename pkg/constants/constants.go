package constants

// Application constants
const (
	// Application metadata
	AppName        = "fedsim"
	AppDescription = "Round-based federated training simulator"
	AppVersion     = "0.1.0"
	EnvPrefix      = "FEDSIM"

	// API constants
	APIPrefix         = "/api/v1"
	HeaderContentType = "Content-Type"
	HeaderRequestID   = "X-Request-ID"
	ContentTypeJSON   = "application/json"

	// Logging defaults
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// Round defaults
	AllClients            = -1
	DefaultLocalEpochs    = 1
	DefaultMaxRounds      = 100
	DefaultSeed           = 42
	DefaultOutputDir      = "output"
	DefaultBatchSize      = 32
	DefaultLocalLR        = 3e-2
	DefaultMaxGradNorm    = 1.0
	DefaultWarmupSteps    = 100
	DefaultStepSize       = 30
	DefaultStepLRGamma    = 0.1
	DefaultMetricsAddr    = ":9090"
	DefaultScaffoldLR     = 1.0
	DefaultServerLR       = 1.0
	DefaultServerMomentum = 0.9

	// Adaptive-moment coefficients used by the server and local optimizers
	AdamBeta1   = 0.9
	AdamBeta2   = 0.999
	AdamEpsilon = 1e-8

	// Proxy client naming when a subset of the population is sampled
	ProxyClientPrefix = "proxy_client_"
)

// Artifact names written by the sinks
const (
	ValAccTable        = "val_acc"
	TestAccTable       = "test_acc"
	LearningRateFile   = "learning_rate.json"
	RoundLogFile       = "rounds.jsonl"
	ResolvedConfig     = "config.yaml"
	MetricValAccuracy  = "val_acc"
	MetricTestAccuracy = "test_acc"
)

// Algorithm names
const (
	AlgorithmFedOpt   = "fedopt"
	AlgorithmScaffold = "scaffold"
)

// Sink types
const (
	SinkFile        = "file"
	SinkS3          = "s3"
	SinkRedis       = "redis"
	SinkInfluxDB    = "influxdb"
	SinkTimescaleDB = "timescaledb"
)
