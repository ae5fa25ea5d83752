package config

// ExampleYAML is an annotated configuration printed by the example-config command.
const ExampleYAML = `# wol-gameproxy configuration

server:
  # Address and MAC of the game server the proxy stands in for.
  target_ip: "192.168.1.100"
  mac_address: "AA:BB:CC:DD:EE:FF"
  network_interface: "eth0"
  network_mask: 24
  listen_address: "0.0.0.0"

timing:
  # Plain numbers are seconds; Go durations such as "90s" also work.
  boot_wait_seconds: 90
  health_check_interval: 15
  boot_check_interval: 5
  wol_retry_interval: 5
  connection_timeout: 30
  server_check_timeout: 5
  health_failure_threshold: 3

minecraft:
  enabled: true
  port: 25565
  # 0 echoes the client's protocol version in status replies.
  protocol_version: 0
  motd_offline: "§aJoin to start server"
  motd_starting: "§eServer is starting, please wait"
  version_text_offline: "Sleeping"
  version_text_starting: "Starting..."
  kick_message: "§eServer is starting up, try joining again in a minute."
  max_players_display: 20

satisfactory:
  enabled: true
  game_port: 7777
  query_port: 15000
  beacon_port: 15777

wol:
  # Defaults to the broadcast address of target_ip/network_mask.
  # broadcast_ip: "192.168.1.255"
  ports: [9]
  # Send raw Ethernet frames on network_interface (needs CAP_NET_RAW).
  raw: false

health:
  # Optional secondary TCP port that must also answer, 0 disables.
  admin_port: 0

identity:
  use_sudo: false
  # Gratuitous ARP after claiming the address.
  announce: true

status:
  enabled: true
  listen: ":8080"
  # CORS origins allowed to read the status, empty allows any.
  # allowed_origins: ["http://dashboard.lan"]

# ssh_shutdown:
#   host: "192.168.1.100"
#   port: 22
#   username: "root"
#   key_path: "${HOME}/.ssh/id_ed25519"
#   # Host key verification; without it any host key is accepted.
#   known_hosts: "${HOME}/.ssh/known_hosts"
#   # Minutes before the target powers off.
#   shutdown_delay: 1
#   os: "linux"

# telegram:
#   bot_token: "${TELEGRAM_BOT_TOKEN}"
#   chat_id: "${TELEGRAM_CHAT_ID}"
`
