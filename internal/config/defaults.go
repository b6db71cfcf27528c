package config

const (
	defaultDataDir       = "~/.local/share/uxrmate"
	defaultMediaCacheDir = "~/.local/share/uxrmate/media"
	defaultLogDir        = "~/.local/share/uxrmate/logs"

	defaultGeminiBaseURL        = "https://generativelanguage.googleapis.com"
	defaultGeminiTimeoutSeconds = 300

	defaultMaxSizeMB          = 900
	defaultMaxDurationSeconds = 5400

	defaultWorkerConcurrency = 2
	defaultMaxRetriesModel   = 3
	defaultMaxRetriesStorage = 5
	defaultBaseBackoffMs     = 2000
	defaultBackoffMultiplier = 2.0
	defaultPollIntervalMs    = 2000
	defaultPollTimeoutMs     = 300_000

	defaultConfidenceThreshold = 3

	defaultLogFormat = "console"
	defaultLogLevel  = "info"
)

// DefaultSystemPrompt is the fixed analysis instruction sent with every
// model request.
const DefaultSystemPrompt = `You are an expert UX researcher. You evaluate recorded user sessions against declared behavioral criteria.
You will be given a criterion (task and expected behavior) and a video of a user session.
Watch the video carefully and decide whether the user completed the task as expected.
Rate friction from 1 (smooth) to 5 (blocker) and your confidence from 1 (guess) to 5 (certain).
Report timestamped key moments for anything notable you observe.
Respond with JSON only, using this shape:
{
  "status": "pass" | "fail" | "partial",
  "friction_score": 1-5,
  "confidence": 1-5,
  "observations": "string",
  "key_moments": [{"timestamp_sec": number, "note": "string"}],
  "recommendation": "string"
}`

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:       defaultDataDir,
			MediaCacheDir: defaultMediaCacheDir,
			LogDir:        defaultLogDir,
		},
		Gemini: Gemini{
			BaseURL:        defaultGeminiBaseURL,
			TimeoutSeconds: defaultGeminiTimeoutSeconds,
			SystemPrompt:   DefaultSystemPrompt,
		},
		Ingest: Ingest{
			MaxSizeMB:          defaultMaxSizeMB,
			MaxDurationSeconds: defaultMaxDurationSeconds,
			Formats:            []string{".mp4", ".mov", ".avi", ".webm", ".mkv", ".flv"},
		},
		Pipeline: Pipeline{
			WorkerConcurrency: defaultWorkerConcurrency,
			MaxRetriesModel:   defaultMaxRetriesModel,
			MaxRetriesStorage: defaultMaxRetriesStorage,
			BaseBackoffMs:     defaultBaseBackoffMs,
			BackoffMultiplier: defaultBackoffMultiplier,
			PollIntervalMs:    defaultPollIntervalMs,
			PollTimeoutMs:     defaultPollTimeoutMs,
		},
		Review: Review{
			ConfidenceThreshold: defaultConfidenceThreshold,
			PartialAlways:       true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
