package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"DreamerV-server/config"
)

// MediaHandler 本地媒体加工的接口，任务执行器只依赖这三个操作
type MediaHandler interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
	ExtractThumbnail(ctx context.Context, videoPath, thumbnailPath string) error
	Composite(ctx context.Context, segments []Segment, musicPath, outPath string) error
}

// MediaProcessor 封装 ffmpeg/ffprobe，负责下载后的本地媒体加工：
// 缩略图、裁剪、拼接、配乐混合、重编码。
type MediaProcessor struct {
	FFmpegBin  string
	FFprobeBin string
}

func NewMediaProcessor() *MediaProcessor {
	return &MediaProcessor{
		FFmpegBin:  config.AppConfig.Media.FFmpegBin,
		FFprobeBin: config.AppConfig.Media.FFprobeBin,
	}
}

// Segment 拼接时的一段素材：源文件 + 起点 + 实际时长
type Segment struct {
	Path     string
	Start    float64
	Duration float64
}

// resolveSegmentWindow 计算子段的实际时长：终点不越过素材真实长度，负值归零
func resolveSegmentWindow(startOffset, segmentDuration, clipDuration float64) float64 {
	intendedEnd := startOffset + segmentDuration
	actualEnd := intendedEnd
	if actualEnd > clipDuration {
		actualEnd = clipDuration
	}
	actual := actualEnd - startOffset
	if actual < 0 {
		return 0
	}
	return actual
}

// 根据图片扩展名推断 MIME 类型，识别不出时按 image/jpeg 处理
func imageMimeType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	}
	return "image/jpeg"
}

func (m *MediaProcessor) run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	if err := cmd.Run(); err != nil {
		output := outputBuf.String()
		if len(output) > 2000 {
			output = output[len(output)-2000:]
		}
		return output, fmt.Errorf("%s execution failed: %v: %s", filepath.Base(bin), err, output)
	}
	return outputBuf.String(), nil
}

type probeResult struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe 读取媒体文件的时长与首个视频流的分辨率（纯音频时分辨率为零）
func (m *MediaProcessor) Probe(ctx context.Context, path string) (duration float64, width, height int, err error) {
	out, err := m.run(ctx, m.FFprobeBin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return 0, 0, 0, err
	}

	var probed probeResult
	if err := json.Unmarshal([]byte(out), &probed); err != nil {
		return 0, 0, 0, fmt.Errorf("parse ffprobe output failed: %w", err)
	}
	duration, err = strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("parse media duration failed: %w", err)
	}
	for _, s := range probed.Streams {
		if s.CodecType == "video" {
			width, height = s.Width, s.Height
			break
		}
	}
	return duration, width, height, nil
}

// ProbeDuration 只取时长
func (m *MediaProcessor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	duration, _, _, err := m.Probe(ctx, path)
	return duration, err
}

// ExtractThumbnail 取第一帧可解码画面存为 JPEG
func (m *MediaProcessor) ExtractThumbnail(ctx context.Context, videoPath, thumbnailPath string) error {
	_, err := m.run(ctx, m.FFmpegBin,
		"-y",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		thumbnailPath,
	)
	return err
}

// Composite 按顺序拼接各段素材并渲染到 outPath。
// 各段先统一到首段分辨率（缩放加黑边）和统一帧率后再拼接；
// musicPath 非空时混入配乐：比视频短就整曲循环再截齐，比视频长就截断。
// 无配乐时输出不带音轨，也不指定音频编码器。
// 所有中间文件放在独立临时目录，函数退出时一并清理。
func (m *MediaProcessor) Composite(ctx context.Context, segments []Segment, musicPath, outPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to composite")
	}

	tempDir, err := os.MkdirTemp("", "composite_")
	if err != nil {
		return fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(tempDir)

	// 以首段分辨率为基准
	_, width, height, err := m.Probe(ctx, segments[0].Path)
	if err != nil {
		return fmt.Errorf("probe first segment failed: %w", err)
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("first segment has no video stream: %s", segments[0].Path)
	}

	normalizeFilter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=24",
		width, height, width, height,
	)

	// 逐段裁剪并统一画面参数
	partPaths := make([]string, 0, len(segments))
	for i, seg := range segments {
		partPath := filepath.Join(tempDir, fmt.Sprintf("part_%d.mp4", i))
		args := []string{"-y"}
		if seg.Start > 0 {
			args = append(args, "-ss", formatSeconds(seg.Start))
		}
		args = append(args,
			"-i", seg.Path,
			"-t", formatSeconds(seg.Duration),
			"-vf", normalizeFilter,
			"-c:v", "libx264",
			"-preset", "veryfast",
			"-an",
			partPath,
		)
		if _, err := m.run(ctx, m.FFmpegBin, args...); err != nil {
			return fmt.Errorf("encode segment %d failed: %w", i, err)
		}
		partPaths = append(partPaths, partPath)
	}

	// concat demuxer 列表文件
	listPath := filepath.Join(tempDir, "concat_list.txt")
	var list strings.Builder
	for _, p := range partPaths {
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("写入拼接列表失败: %w", err)
	}

	silentPath := filepath.Join(tempDir, "concat_silent.mp4")
	if _, err := m.run(ctx, m.FFmpegBin,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		silentPath,
	); err != nil {
		return fmt.Errorf("concat segments failed: %w", err)
	}

	if musicPath == "" {
		// 无配乐：直接落盘，不带音轨
		if err := os.Rename(silentPath, outPath); err != nil {
			return copyFile(silentPath, outPath)
		}
		return nil
	}

	videoDuration, err := m.ProbeDuration(ctx, silentPath)
	if err != nil {
		return fmt.Errorf("probe concat output failed: %w", err)
	}
	audioDuration, err := m.ProbeDuration(ctx, musicPath)
	if err != nil {
		return fmt.Errorf("probe music failed: %w", err)
	}

	args := []string{"-y", "-i", silentPath}
	if audioDuration < videoDuration {
		// 整曲循环铺满视频长度，-shortest 截齐
		args = append(args, "-stream_loop", "-1")
		log.Printf("配乐 %.2fs 短于视频 %.2fs，循环铺满", audioDuration, videoDuration)
	}
	args = append(args,
		"-i", musicPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	)
	if _, err := m.run(ctx, m.FFmpegBin, args...); err != nil {
		return fmt.Errorf("mix audio failed: %w", err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
