package config

// Template is the commented config written by `tokentally init`.
const Template = `# tokentally configuration

paths:
  # Root of the session log tree: <projects_dir>/<project>/<session>.jsonl
  projects_dir: ~/.claude/projects
  db_path: ~/.local/share/tokentally/tokentally.db

sync:
  batch_size: 500
  # Timezone used to bucket events into days (IANA name or Local)
  timezone: Local
  schedule:
    # Daemon schedule: set cron OR interval, not both
    cron: ""
    interval: 15m
    # Optional: only run scheduled syncs between start and end
    # window:
    #   start: "08:00"
    #   end: "20:00"
    #   timezone: Local
  watch:
    enabled: false
    debounce: 2s

pricing:
  # Optional YAML file with extra or replacement model rates
  table_path: ""

logging:
  level: info
  path: ~/.local/share/tokentally/logs
  format: json
  retention_days: 7
`
