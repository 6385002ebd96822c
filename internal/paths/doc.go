// Provides platform-appropriate paths for stager.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// elsewhere. The program name "stager" is used as the subdirectory under each
// base path. Run directories (stage logs and reports) live under the state
// home; sockets and the PID file live under the runtime directory.
package paths
