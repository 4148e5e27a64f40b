package recording

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"simpleye/logging"
)

// HWAccelType represents the type of hardware acceleration available
type HWAccelType string

const (
	HWAccelNone   HWAccelType = "none"
	HWAccelIntel  HWAccelType = "qsv"   // Intel Quick Sync Video
	HWAccelNVIDIA HWAccelType = "nvenc" // NVIDIA NVENC
	HWAccelAMD    HWAccelType = "amf"   // AMD AMF
	HWAccelVAAPI  HWAccelType = "vaapi" // Linux VA-API
)

const vaapiDevice = "/dev/dri/renderD128"

// HWAccelConfig contains hardware acceleration configuration
type HWAccelConfig struct {
	Type        HWAccelType
	EncoderH264 string
}

var hwEncoders = map[HWAccelType]string{
	HWAccelNone:   "libx264",
	HWAccelIntel:  "h264_qsv",
	HWAccelNVIDIA: "h264_nvenc",
	HWAccelAMD:    "h264_amf",
	HWAccelVAAPI:  "h264_vaapi",
}

// Software is plain libx264 encoding.
func Software() HWAccelConfig {
	return HWAccelConfig{Type: HWAccelNone, EncoderH264: hwEncoders[HWAccelNone]}
}

// ResolveHWAccel turns the HARDWARE_ACCEL setting into an encoder choice.
// "auto" probes ffmpeg; a named type is trusted if ffmpeg lists its encoder.
func ResolveHWAccel(setting, ffmpegPath string, logger *zap.Logger) HWAccelConfig {
	logger = logging.OrNop(logger)
	setting = strings.ToLower(strings.TrimSpace(setting))
	switch setting {
	case "", string(HWAccelNone):
		return Software()
	case "auto":
		return detectHardwareAcceleration(ffmpegPath, logger)
	}
	t := HWAccelType(setting)
	enc, ok := hwEncoders[t]
	if !ok {
		logger.Warn("unknown hardware acceleration, using software encoding", zap.String("setting", setting))
		return Software()
	}
	if !ffmpegHasEncoder(ffmpegPath, enc) {
		logger.Warn("ffmpeg lacks hardware encoder, using software encoding", zap.String("encoder", enc))
		return Software()
	}
	return HWAccelConfig{Type: t, EncoderH264: enc}
}

func detectHardwareAcceleration(ffmpegPath string, logger *zap.Logger) HWAccelConfig {
	order := []HWAccelType{HWAccelIntel, HWAccelNVIDIA, HWAccelAMD, HWAccelVAAPI}
	// VA-API is more reliable than QSV for Intel GPUs on Linux.
	if runtime.GOOS == "linux" {
		order = []HWAccelType{HWAccelVAAPI, HWAccelIntel, HWAccelNVIDIA, HWAccelAMD}
	}
	for _, t := range order {
		if ffmpegHasEncoder(ffmpegPath, hwEncoders[t]) && probeEncoder(ffmpegPath, t) {
			logger.Info("hardware acceleration detected", zap.String("type", string(t)))
			return HWAccelConfig{Type: t, EncoderH264: hwEncoders[t]}
		}
	}
	logger.Info("no hardware acceleration available, using software encoding")
	return Software()
}

func ffmpegHasEncoder(ffmpegPath, encoder string) bool {
	out, err := exec.Command(ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), encoder)
}

// probeEncoder encodes one synthetic frame to check the device works.
func probeEncoder(ffmpegPath string, t HWAccelType) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1"}
	if t == HWAccelVAAPI {
		args = append(args, "-vaapi_device", vaapiDevice, "-vf", "format=nv12,hwupload")
	}
	args = append(args, "-frames:v", "1", "-c:v", hwEncoders[t], "-f", "null", "-")
	return exec.CommandContext(ctx, ffmpegPath, args...).Run() == nil
}

// BuildEncoderArgs builds the video encoder arguments for a target bitrate
// and keyframe interval.
func (hw HWAccelConfig) BuildEncoderArgs(bitrateKbps, keyint int) []string {
	var args []string
	if hw.Type == HWAccelVAAPI {
		args = append(args, "-vaapi_device", vaapiDevice, "-vf", "format=nv12,hwupload")
	}
	enc := hw.EncoderH264
	if enc == "" {
		enc = hwEncoders[HWAccelNone]
	}
	args = append(args, "-c:v", enc)

	switch hw.Type {
	case HWAccelNone, "":
		args = append(args, "-preset", "veryfast", "-tune", "zerolatency", "-sc_threshold", "0")
	case HWAccelIntel:
		args = append(args, "-preset", "veryfast")
	case HWAccelNVIDIA:
		args = append(args, "-preset", "p2")
	}

	rate := strconv.Itoa(bitrateKbps) + "k"
	args = append(args,
		"-b:v", rate,
		"-maxrate", rate,
		"-bufsize", strconv.Itoa(bitrateKbps*2)+"k",
		"-g", strconv.Itoa(keyint),
	)
	return args
}
